package mining

import (
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/AlexPanacea/PBpool/internal/config"
	"github.com/AlexPanacea/PBpool/internal/node"
	"github.com/AlexPanacea/PBpool/pkg/bitcoin"

	"go.uber.org/zap"
)

func testJobManager() *JobManager {
	cfg := config.MiningConfig{
		PoolAddress:     "1BoatSLRHtKNngkdXEeobR76b53LETtpyT",
		CoinbaseTag:     "/pool/",
		Extranonce1Size: 4,
		Extranonce2Size: 4,
		JobTimeout:      time.Minute,
	}
	return &JobManager{cfg: cfg, logger: zap.NewNop()}
}

func testTemplate() *node.BlockTemplate {
	return &node.BlockTemplate{
		Version:       0x20000000,
		PreviousHash:  make([]byte, 32),
		Bits:          [4]byte{0x1d, 0x00, 0xff, 0xff},
		CurTime:       1700000000,
		MinTime:       1699990000,
		Height:        800000,
		CoinbaseValue: 625000000,
		Target:        bitcoin.CompactToBig(0x1d00ffff),
	}
}

// buildCoinbase must split the transaction at exactly the point where the
// miner's extranonce1||extranonce2 belongs, never at a fixed offset: the
// split position has to track the actual length of the height push and
// pool tag.
func TestBuildCoinbaseSplitIsExact(t *testing.T) {
	jm := testJobManager()
	tmpl := testTemplate()

	prefix, suffix, err := jm.buildCoinbase(tmpl)
	if err != nil {
		t.Fatalf("buildCoinbase: %v", err)
	}

	extranonce1 := make([]byte, jm.cfg.Extranonce1Size)
	extranonce2 := make([]byte, jm.cfg.Extranonce2Size)

	coinbase := make([]byte, 0, len(prefix)+len(extranonce1)+len(extranonce2)+len(suffix))
	coinbase = append(coinbase, prefix...)
	coinbase = append(coinbase, extranonce1...)
	coinbase = append(coinbase, extranonce2...)
	coinbase = append(coinbase, suffix...)

	// version(4) + input count(1) + prevout(36)
	scriptLenOffset := 4 + 1 + 36
	scriptLen, n, err := bitcoin.ReadVarint(coinbase[scriptLenOffset:])
	if err != nil {
		t.Fatalf("ReadVarint: %v", err)
	}

	scriptStart := scriptLenOffset + n
	scriptEnd := scriptStart + int(scriptLen)
	if scriptEnd > len(coinbase) {
		t.Fatalf("scriptSig length %d overruns coinbase (len %d)", scriptLen, len(coinbase))
	}

	// The prefix must end exactly at the extranonce gap, regardless of
	// how long the height push or pool tag happen to be: the gap plus the
	// pool tag must close the scriptSig exactly.
	gapEnd := len(prefix) + len(extranonce1) + len(extranonce2)
	if gapEnd+len(jm.cfg.CoinbaseTag) != scriptEnd {
		t.Fatalf("extranonce gap misplaced: gap ends at %d, tag %d bytes, script ends at %d",
			gapEnd, len(jm.cfg.CoinbaseTag), scriptEnd)
	}
}

// The value output must carry the template's coinbase value untouched.
func TestBuildCoinbaseOutputValue(t *testing.T) {
	jm := testJobManager()
	tmpl := testTemplate()

	_, suffix, err := jm.buildCoinbase(tmpl)
	if err != nil {
		t.Fatalf("buildCoinbase: %v", err)
	}

	// suffix = tag || sequence(4) || outcount(varint) || value(8) || script...
	tagLen := len(jm.cfg.CoinbaseTag)
	valueOffset := tagLen + 4 + 1 // tag + sequence + single-byte outcount(=1)
	if valueOffset+8 > len(suffix) {
		t.Fatalf("suffix too short: %d", len(suffix))
	}

	got := uint64(0)
	for i := 0; i < 8; i++ {
		got |= uint64(suffix[valueOffset+i]) << (8 * i)
	}
	if got != tmpl.CoinbaseValue {
		t.Errorf("coinbase value = %d, want %d", got, tmpl.CoinbaseValue)
	}
}

// encodeHeightPush follows the literal threshold table: <17 a bare byte,
// <128 a one-byte length prefix plus one payload byte, <32768 a two-byte
// little-endian payload, otherwise a four-byte little-endian payload.
func TestEncodeHeightPushThresholds(t *testing.T) {
	cases := []struct {
		height uint32
		want   []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{16, []byte{0x10}},
		{17, []byte{0x01, 0x11}},
		{127, []byte{0x01, 0x7f}},
		{255, []byte{0x02, 0xff, 0x00}},
		{32767, []byte{0x02, 0xff, 0x7f}},
		{65535, []byte{0x04, 0xff, 0xff, 0x00, 0x00}},
		{800000, []byte{0x04, 0x00, 0x35, 0x0c, 0x00}},
	}
	for _, c := range cases {
		got := encodeHeightPush(c.height)
		if hex.EncodeToString(got) != hex.EncodeToString(c.want) {
			t.Errorf("height %d: push = %x, want %x", c.height, got, c.want)
		}
	}
}

func TestCreateJobAssignsCleanJobsOnHeightChange(t *testing.T) {
	jm := testJobManager()
	tmpl := testTemplate()

	job1, err := jm.CreateJob(nil, tmpl)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !job1.CleanJobs {
		t.Error("expected clean_jobs on first job for a new height")
	}

	tmpl2 := testTemplate()
	tmpl2.CoinbaseValue = tmpl.CoinbaseValue + 1
	job2, err := jm.CreateJob(nil, tmpl2)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job2.CleanJobs {
		t.Error("expected clean_jobs=false for a same-height template update")
	}
	if job2.ID == job1.ID {
		t.Error("expected distinct job ids")
	}
}

func TestJobTargetPreserved(t *testing.T) {
	jm := testJobManager()
	tmpl := testTemplate()

	job, err := jm.CreateJob(nil, tmpl)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Target.Cmp(new(big.Int).Set(tmpl.Target)) != 0 {
		t.Error("job target diverged from template target")
	}
}
