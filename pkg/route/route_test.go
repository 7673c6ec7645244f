package route

import (
	"net"
	"testing"
	"time"

	"code.vita-gw.org/keymgr/internal/clock"
	"code.vita-gw.org/keymgr/pkg/ske1"
)

func noJitter(d time.Duration) time.Duration { return 0 }

func testConfig(id string, spi uint32) Config {
	return Config{
		ID:      id,
		Gateway: net.IPv4(10, 0, 0, byte(spi)),
		PSK:     make([]byte, ske1.PSKLen),
		SPI:     spi,
	}
}

func testProc() ProcessConfig {
	return ProcessConfig{NegotiationTTL: 5 * time.Second, SATTL: 600 * time.Second}
}

func TestInstallKeysFirstPairAdoptsTxImmediately(t *testing.T) {
	cfg := testConfig("r1", 1000)
	alloc := ske1.NewCounterAllocator()
	clk := clock.NewFake(time.Unix(0, 0))

	r, err := New(cfg, testProc(), alloc, clk)
	if nil != err {
		t.Fatalf("unexpected error: %v", err)
	}

	rx := ske1.SA{Route: "r1", SPI: 300, AEAD: "aes-gcm-16-icv", Key: make([]byte, 16), Salt: make([]byte, 4)}
	tx := ske1.SA{Route: "r1", SPI: 301, AEAD: "aes-gcm-16-icv", Key: make([]byte, 16), Salt: make([]byte, 4)}

	if !r.InstallKeys(rx, tx, time.Unix(0, 0), noJitter) {
		t.Fatalf("expected first InstallKeys to adopt tx immediately")
	}

	if nil == r.TxSA || r.TxSA.SPI != 301 {
		t.Fatalf("expected tx_sa adopted immediately, got %+v", r.TxSA)
	}
	if nil != r.NextTxSA {
		t.Fatalf("expected no pending next_tx_sa, got %+v", r.NextTxSA)
	}
	if Ready != r.Status {
		t.Fatalf("expected status ready, got %v", r.Status)
	}
}

func TestInstallKeysSecondPairQueuesNextTxSA(t *testing.T) {
	cfg := testConfig("r1", 1000)
	alloc := ske1.NewCounterAllocator()
	clk := clock.NewFake(time.Unix(0, 0))

	r, err := New(cfg, testProc(), alloc, clk)
	if nil != err {
		t.Fatalf("unexpected error: %v", err)
	}

	rx1 := ske1.SA{Route: "r1", SPI: 300, AEAD: "aes-gcm-16-icv", Key: make([]byte, 16), Salt: make([]byte, 4)}
	tx1 := ske1.SA{Route: "r1", SPI: 301, AEAD: "aes-gcm-16-icv", Key: make([]byte, 16), Salt: make([]byte, 4)}
	r.InstallKeys(rx1, tx1, time.Unix(0, 0), noJitter)

	rx2 := ske1.SA{Route: "r1", SPI: 400, AEAD: "aes-gcm-16-icv", Key: make([]byte, 16), Salt: make([]byte, 4)}
	tx2 := ske1.SA{Route: "r1", SPI: 401, AEAD: "aes-gcm-16-icv", Key: make([]byte, 16), Salt: make([]byte, 4)}
	now := time.Unix(300, 0)
	if r.InstallKeys(rx2, tx2, now, noJitter) {
		t.Fatalf("expected rekey InstallKeys to queue tx rather than adopt it")
	}

	if nil == r.TxSA || 301 != r.TxSA.SPI {
		t.Fatalf("expected old tx_sa to remain current, got %+v", r.TxSA)
	}
	if nil == r.NextTxSA || 401 != r.NextTxSA.SPI {
		t.Fatalf("expected new tx_sa queued as next_tx_sa, got %+v", r.NextTxSA)
	}
	wantActivation := now.Add(3 * r.NegotiationTTL / 2)
	if !r.NextTxSAActivationDelay.Equal(wantActivation) {
		t.Fatalf("expected activation delay %v, got %v", wantActivation, r.NextTxSAActivationDelay)
	}
	if nil == r.PrevRxSA || 300 != r.PrevRxSA.SPI {
		t.Fatalf("expected old rx_sa demoted to prev_rx_sa, got %+v", r.PrevRxSA)
	}
	if nil == r.RxSA || 400 != r.RxSA.SPI {
		t.Fatalf("expected new rx_sa installed, got %+v", r.RxSA)
	}

	if r.PromoteNextTxSA(now.Add(-time.Second)) {
		t.Fatalf("expected no promotion before activation delay elapses")
	}
	if nil == r.NextTxSA {
		t.Fatalf("expected next_tx_sa to remain pending before activation delay elapses")
	}

	if !r.PromoteNextTxSA(wantActivation.Add(time.Millisecond)) {
		t.Fatalf("expected promotion once activation delay elapsed")
	}
	if nil != r.NextTxSA {
		t.Fatalf("expected next_tx_sa promoted, still pending: %+v", r.NextTxSA)
	}
	if nil == r.TxSA || 401 != r.TxSA.SPI {
		t.Fatalf("expected tx_sa promoted to 401, got %+v", r.TxSA)
	}
}

func TestTearDownSAsClearsEverything(t *testing.T) {
	cfg := testConfig("r1", 1000)
	alloc := ske1.NewCounterAllocator()
	clk := clock.NewFake(time.Unix(0, 0))

	r, err := New(cfg, testProc(), alloc, clk)
	if nil != err {
		t.Fatalf("unexpected error: %v", err)
	}
	rx := ske1.SA{Route: "r1", SPI: 300}
	tx := ske1.SA{Route: "r1", SPI: 301}
	r.InstallKeys(rx, tx, time.Unix(0, 0), noJitter)

	r.TearDownSAs()

	if nil != r.RxSA || nil != r.PrevRxSA || nil != r.TxSA || nil != r.NextTxSA {
		t.Fatalf("expected all SA slots nil after TearDownSAs, got rx=%v prevRx=%v tx=%v nextTx=%v", r.RxSA, r.PrevRxSA, r.TxSA, r.NextTxSA)
	}
	if Expired != r.Status {
		t.Fatalf("expected status expired, got %v", r.Status)
	}
}

func TestReconcilePreservesUnchangedRoute(t *testing.T) {
	alloc := ske1.NewCounterAllocator()
	clk := clock.NewFake(time.Unix(0, 0))
	proc := testProc()

	cfgA := testConfig("A", 1000)
	cfgB := testConfig("B", 2000)

	current, err := Reconcile(nil, []Config{cfgA, cfgB}, proc, alloc, clk)
	if nil != err {
		t.Fatalf("unexpected error: %v", err)
	}

	sa := ske1.SA{Route: "A", SPI: 300}
	current["A"].InstallKeys(sa, sa, time.Unix(0, 0), noJitter)
	originalFSM := current["A"].FSM
	originalRxSA := current["A"].RxSA

	cfgBChanged := cfgB
	cfgBChanged.Gateway = net.IPv4(10, 0, 0, 99)

	next, err := Reconcile(current, []Config{cfgA, cfgBChanged}, proc, alloc, clk)
	if nil != err {
		t.Fatalf("unexpected error: %v", err)
	}

	if next["A"].FSM != originalFSM {
		t.Fatalf("expected route A's FSM to survive an unrelated reconfig")
	}
	if next["A"].RxSA != originalRxSA {
		t.Fatalf("expected route A's rx_sa to survive an unrelated reconfig")
	}
	if !next["B"].Gateway.Equal(net.IPv4(10, 0, 0, 99)) {
		t.Fatalf("expected route B's gateway to update, got %v", next["B"].Gateway)
	}
}

func TestReconcileTearsDownRouteOnPSKChange(t *testing.T) {
	alloc := ske1.NewCounterAllocator()
	clk := clock.NewFake(time.Unix(0, 0))
	proc := testProc()

	cfgA := testConfig("A", 1000)
	current, err := Reconcile(nil, []Config{cfgA}, proc, alloc, clk)
	if nil != err {
		t.Fatalf("unexpected error: %v", err)
	}
	originalFSM := current["A"].FSM

	cfgAChanged := cfgA
	newPSK := make([]byte, ske1.PSKLen)
	newPSK[0] = 1
	cfgAChanged.PSK = newPSK

	next, err := Reconcile(current, []Config{cfgAChanged}, proc, alloc, clk)
	if nil != err {
		t.Fatalf("unexpected error: %v", err)
	}
	if next["A"].FSM == originalFSM {
		t.Fatalf("expected a new FSM after a pre-shared key change")
	}
}

func TestReconcileDropsRemovedRoute(t *testing.T) {
	alloc := ske1.NewCounterAllocator()
	clk := clock.NewFake(time.Unix(0, 0))
	proc := testProc()

	current, err := Reconcile(nil, []Config{testConfig("A", 1000), testConfig("B", 2000)}, proc, alloc, clk)
	if nil != err {
		t.Fatalf("unexpected error: %v", err)
	}

	next, err := Reconcile(current, []Config{testConfig("A", 1000)}, proc, alloc, clk)
	if nil != err {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, found := next["B"]; found {
		t.Fatalf("expected route B to be dropped after removal from config")
	}
	if _, found := next["A"]; !found {
		t.Fatalf("expected route A to remain")
	}
}
