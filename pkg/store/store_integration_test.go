//go:build integration

package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wancore-net/wancore/internal/testutil"
	"github.com/wancore-net/wancore/pkg/model"
	"github.com/wancore-net/wancore/pkg/util"
)

const testDB = 15

func newTestClient(t *testing.T) *Client {
	t.Helper()
	testutil.SkipIfNoRedis(t)
	testutil.FlushDB(t, testDB)

	c := NewClient(Options{Addr: testutil.RedisAddr(), DB: testDB})
	t.Cleanup(func() { c.Close() })
	return c
}

// ===================== Number Pool Tests =====================

func TestAllocateNum(t *testing.T) {
	c := newTestClient(t)
	ctx := testutil.Context(t)

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		n, err := c.AllocateNum(ctx, "org-1", 100)
		if err != nil {
			t.Fatalf("AllocateNum failed: %v", err)
		}
		if seen[n] {
			t.Fatalf("number %d allocated twice", n)
		}
		seen[n] = true
	}

	// Freed numbers are reused before the counter advances.
	if err := c.ReleaseNum(ctx, "org-1", 1); err != nil {
		t.Fatalf("ReleaseNum failed: %v", err)
	}
	n, err := c.AllocateNum(ctx, "org-1", 100)
	if err != nil {
		t.Fatalf("AllocateNum failed: %v", err)
	}
	if n != 1 {
		t.Errorf("allocated %d, want the freed number 1", n)
	}
}

func TestAllocateNum_Exhaustion(t *testing.T) {
	c := newTestClient(t)
	ctx := testutil.Context(t)

	for i := 0; i < 2; i++ {
		if _, err := c.AllocateNum(ctx, "org-tiny", 2); err != nil {
			t.Fatalf("AllocateNum %d failed: %v", i, err)
		}
	}
	_, err := c.AllocateNum(ctx, "org-tiny", 2)
	var allocErr *util.AllocationError
	if !errors.As(err, &allocErr) {
		t.Fatalf("expected an allocation error, got %v", err)
	}

	// The counter must not have been burnt by the failed attempt: freeing a
	// number makes allocation succeed again.
	if err := c.ReleaseNum(ctx, "org-tiny", 0); err != nil {
		t.Fatalf("ReleaseNum failed: %v", err)
	}
	if n, err := c.AllocateNum(ctx, "org-tiny", 2); err != nil || n != 0 {
		t.Errorf("AllocateNum after release = %d, %v", n, err)
	}
}

func TestAllocateNum_Concurrent(t *testing.T) {
	c := newTestClient(t)
	ctx := testutil.Context(t)

	// Concurrent allocations must come out pairwise distinct; the Lua script
	// is the only serialization point.
	const workers = 32
	nums := make(chan int, workers)
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := c.AllocateNum(ctx, "org-1", 100)
			if err != nil {
				errs <- err
				return
			}
			nums <- n
		}()
	}
	wg.Wait()
	close(nums)
	close(errs)

	for err := range errs {
		t.Fatalf("AllocateNum failed: %v", err)
	}
	seen := make(map[int]bool)
	for n := range nums {
		if seen[n] {
			t.Fatalf("number %d allocated twice", n)
		}
		seen[n] = true
	}
	if len(seen) != workers {
		t.Errorf("allocated %d distinct numbers, want %d", len(seen), workers)
	}
}

// ===================== Pair Index Tests =====================

func TestClaimPairKey(t *testing.T) {
	c := newTestClient(t)
	ctx := testutil.Context(t)
	key := model.PairKey("ifc-1", "ifc-2", "red")

	ok, err := c.ClaimPairKey(ctx, "org-1", key)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	ok, err = c.ClaimPairKey(ctx, "org-1", key)
	if err != nil || ok {
		t.Fatalf("duplicate claim = %v, %v; want false", ok, err)
	}
	// Another org's namespace is independent.
	if ok, err := c.ClaimPairKey(ctx, "org-2", key); err != nil || !ok {
		t.Errorf("cross-org claim = %v, %v", ok, err)
	}

	if err := c.ReleasePairKey(ctx, "org-1", key); err != nil {
		t.Fatalf("ReleasePairKey failed: %v", err)
	}
	if ok, err := c.ClaimPairKey(ctx, "org-1", key); err != nil || !ok {
		t.Errorf("claim after release = %v, %v", ok, err)
	}
}

// ===================== Tunnel Record Tests =====================

func sampleTunnel(num int) *model.Tunnel {
	return &model.Tunnel{
		Org:              "org-1",
		Num:              num,
		IsActive:         true,
		DeviceA:          "dev-1",
		InterfaceA:       "ifc-1",
		DeviceB:          "dev-2",
		InterfaceB:       "ifc-2",
		PathLabel:        "red",
		EncryptionMethod: model.EncryptionPSK,
		Keys:             &model.TunnelKeys{Key1: "k1", Key2: "k2", Key3: "k3", Key4: "k4"},
		Advanced:         model.AdvancedOptions{MTU: 1400, Routing: model.RoutingOSPF},
	}
}

func TestTunnelRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := testutil.Context(t)

	want := sampleTunnel(7)
	if err := c.SaveTunnel(ctx, want); err != nil {
		t.Fatalf("SaveTunnel failed: %v", err)
	}

	got, err := c.GetTunnel(ctx, "org-1", 7)
	if err != nil {
		t.Fatalf("GetTunnel failed: %v", err)
	}
	if got.DeviceA != "dev-1" || got.PathLabel != "red" || got.Keys == nil || got.Keys.Key4 != "k4" {
		t.Errorf("round trip = %+v", got)
	}
	if got.Advanced.MTU != 1400 || got.Advanced.Routing != model.RoutingOSPF {
		t.Errorf("advanced options = %+v", got.Advanced)
	}

	if _, err := c.GetTunnel(ctx, "org-1", 99); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("missing tunnel error = %v", err)
	}
}

func TestListTunnels(t *testing.T) {
	c := newTestClient(t)
	ctx := testutil.Context(t)

	inactive := sampleTunnel(2)
	inactive.IsActive = false
	for _, tun := range []*model.Tunnel{sampleTunnel(1), inactive, sampleTunnel(3)} {
		if err := c.SaveTunnel(ctx, tun); err != nil {
			t.Fatalf("SaveTunnel failed: %v", err)
		}
	}

	all, err := c.ListTunnels(ctx, "org-1")
	if err != nil {
		t.Fatalf("ListTunnels failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListTunnels = %d records, want 3", len(all))
	}

	active, err := c.ListActiveTunnels(ctx, "org-1")
	if err != nil {
		t.Fatalf("ListActiveTunnels failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("ListActiveTunnels = %d records, want 2", len(active))
	}
}

func TestDeactivateTunnel(t *testing.T) {
	c := newTestClient(t)
	ctx := testutil.Context(t)

	tun := sampleTunnel(5)
	if err := c.SaveTunnel(ctx, tun); err != nil {
		t.Fatalf("SaveTunnel failed: %v", err)
	}
	if ok, err := c.ClaimPairKey(ctx, "org-1", tun.PairKey()); err != nil || !ok {
		t.Fatalf("ClaimPairKey = %v, %v", ok, err)
	}

	if err := c.DeactivateTunnel(ctx, "org-1", 5); err != nil {
		t.Fatalf("DeactivateTunnel failed: %v", err)
	}

	got, err := c.GetTunnel(ctx, "org-1", 5)
	if err != nil {
		t.Fatalf("the record must survive deactivation: %v", err)
	}
	if got.IsActive || got.Keys != nil || got.DeviceAConf || got.DeviceBConf {
		t.Errorf("deactivated tunnel = %+v", got)
	}

	// Pair key and number are both reusable afterwards.
	if ok, err := c.ClaimPairKey(ctx, "org-1", tun.PairKey()); err != nil || !ok {
		t.Errorf("pair key not released: %v, %v", ok, err)
	}
	if n, err := c.AllocateNum(ctx, "org-1", 100); err != nil || n != 5 {
		t.Errorf("AllocateNum = %d, %v; want the freed number 5", n, err)
	}
}

func TestSetTunnelConfirmed(t *testing.T) {
	c := newTestClient(t)
	ctx := testutil.Context(t)

	if err := c.SaveTunnel(ctx, sampleTunnel(4)); err != nil {
		t.Fatalf("SaveTunnel failed: %v", err)
	}
	confirmed, err := c.ConfirmCompletions(ctx, []model.Completion{
		{Org: "org-1", Num: 4, Target: model.TargetDeviceA},
		{Org: "org-1", Num: 4, Target: model.TargetDeviceB},
		{Org: "org-1", Num: 99, Target: model.TargetDeviceA}, // absent, counted out
	})
	if err != nil {
		t.Fatalf("ConfirmCompletions failed: %v", err)
	}
	if confirmed != 2 {
		t.Errorf("confirmed = %d, want 2", confirmed)
	}

	got, err := c.GetTunnel(ctx, "org-1", 4)
	if err != nil {
		t.Fatalf("GetTunnel failed: %v", err)
	}
	if !got.DeviceAConf || !got.DeviceBConf {
		t.Errorf("confirmation flags = %v/%v", got.DeviceAConf, got.DeviceBConf)
	}
}

// ===================== Sync Record Tests =====================

func TestSyncRecordDefaults(t *testing.T) {
	c := newTestClient(t)
	ctx := testutil.Context(t)

	rec, err := c.GetSyncRecord(ctx, "machine-1")
	if err != nil {
		t.Fatalf("GetSyncRecord failed: %v", err)
	}
	if rec.State != SyncStateUnknown || !rec.AutoSync || rec.Trials != 0 || rec.Hash != "" {
		t.Errorf("default record = %+v", rec)
	}
}

func TestSyncRecordUpdates(t *testing.T) {
	c := newTestClient(t)
	ctx := testutil.Context(t)

	if err := c.SetSyncHash(ctx, "machine-1", "abc"); err != nil {
		t.Fatalf("SetSyncHash failed: %v", err)
	}
	if err := c.SetSyncState(ctx, "machine-1", SyncStateSyncing); err != nil {
		t.Fatalf("SetSyncState failed: %v", err)
	}
	rec, err := c.GetSyncRecord(ctx, "machine-1")
	if err != nil {
		t.Fatalf("GetSyncRecord failed: %v", err)
	}
	if rec.Hash != "abc" || rec.State != SyncStateSyncing {
		t.Errorf("record = %+v", rec)
	}

	if err := c.ResetSyncTracking(ctx, "machine-1"); err != nil {
		t.Fatalf("ResetSyncTracking failed: %v", err)
	}
	rec, err = c.GetSyncRecord(ctx, "machine-1")
	if err != nil {
		t.Fatalf("GetSyncRecord failed: %v", err)
	}
	if rec.State != SyncStateSynced || rec.Trials != 0 || !rec.AutoSync {
		t.Errorf("record after reset = %+v", rec)
	}
	if rec.Hash != "abc" {
		t.Errorf("reset must keep the hash, got %q", rec.Hash)
	}
}

func TestIncSyncTrials(t *testing.T) {
	c := newTestClient(t)
	ctx := testutil.Context(t)

	for want := 1; want <= 2; want++ {
		n, err := c.IncSyncTrials(ctx, "machine-1", 2)
		if err != nil {
			t.Fatalf("IncSyncTrials failed: %v", err)
		}
		if n != want {
			t.Errorf("trials = %d, want %d", n, want)
		}
	}
	rec, _ := c.GetSyncRecord(ctx, "machine-1")
	if !rec.AutoSync {
		t.Error("auto-sync must stay on within the cap")
	}

	n, err := c.IncSyncTrials(ctx, "machine-1", 2)
	if err != nil {
		t.Fatalf("IncSyncTrials failed: %v", err)
	}
	if n != 3 {
		t.Errorf("trials = %d, want 3", n)
	}
	rec, _ = c.GetSyncRecord(ctx, "machine-1")
	if rec.AutoSync {
		t.Error("auto-sync must be disabled past the cap")
	}

	if err := c.SetAutoSync(ctx, "machine-1", true); err != nil {
		t.Fatalf("SetAutoSync failed: %v", err)
	}
	rec, _ = c.GetSyncRecord(ctx, "machine-1")
	if !rec.AutoSync {
		t.Error("SetAutoSync(true) did not stick")
	}
}

func TestSyncLock(t *testing.T) {
	c := newTestClient(t)
	ctx := testutil.Context(t)

	if err := c.AcquireSyncLock(ctx, "machine-1", "holder-a", 30*time.Second); err != nil {
		t.Fatalf("AcquireSyncLock failed: %v", err)
	}
	if err := c.AcquireSyncLock(ctx, "machine-1", "holder-b", 30*time.Second); !errors.Is(err, util.ErrLocked) {
		t.Errorf("contended acquire = %v, want ErrLocked", err)
	}
	// Releasing with the wrong holder is refused while the lock is held.
	if err := c.ReleaseSyncLock(ctx, "machine-1", "holder-b"); err == nil {
		t.Error("release by a non-holder should fail")
	}
	if err := c.ReleaseSyncLock(ctx, "machine-1", "holder-a"); err != nil {
		t.Fatalf("ReleaseSyncLock failed: %v", err)
	}
	if err := c.AcquireSyncLock(ctx, "machine-1", "holder-b", 30*time.Second); err != nil {
		t.Errorf("acquire after release = %v", err)
	}
	// An expired lock releases cleanly.
	if err := c.ReleaseSyncLock(ctx, "machine-2", "holder-a"); err != nil {
		t.Errorf("releasing an absent lock = %v", err)
	}
}

// ===================== Progress Tests =====================

func TestProgressLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := testutil.Context(t)

	if p, err := c.GetProgress(ctx, "nope"); err != nil || p != nil {
		t.Fatalf("absent progress = %+v, %v", p, err)
	}

	if err := c.CreateProgress(ctx, "batch-1", 6); err != nil {
		t.Fatalf("CreateProgress failed: %v", err)
	}
	if err := c.StepProgress(ctx, "batch-1", 4, 1); err != nil {
		t.Fatalf("StepProgress failed: %v", err)
	}
	if err := c.StepProgress(ctx, "batch-1", 1, 0); err != nil {
		t.Fatalf("StepProgress failed: %v", err)
	}

	p, err := c.GetProgress(ctx, "batch-1")
	if err != nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if p.Total != 6 || p.Completed != 5 || p.Failed != 1 || p.Done {
		t.Errorf("progress = %+v", p)
	}

	if err := c.FinishProgress(ctx, "batch-1", "5 of 6 tunnels created"); err != nil {
		t.Fatalf("FinishProgress failed: %v", err)
	}
	p, err = c.GetProgress(ctx, "batch-1")
	if err != nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if !p.Done || p.Message != "5 of 6 tunnels created" {
		t.Errorf("finished progress = %+v", p)
	}
}

// ===================== Device and Peer Tests =====================

func TestDeviceRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := testutil.Context(t)

	dev := &model.Device{
		ID:        "dev-1",
		Org:       "org-1",
		Hostname:  "edge-1",
		MachineID: "machine-1",
		Versions:  model.Versions{Agent: "6.2.0", Router: "5.0.0"},
		Interfaces: []model.Interface{{
			DevID: "ifc-1", Name: "eth0", Type: model.InterfaceWAN,
			IsAssigned: true, IPv4: "192.168.1.1", PublicIP: "198.51.100.1", PublicPort: 4800,
		}},
		StaticRoutes: []model.StaticRoute{{Destination: "10.9.0.0/24", Gateway: "10.100.0.1"}},
	}
	if err := c.SaveDevice(ctx, dev); err != nil {
		t.Fatalf("SaveDevice failed: %v", err)
	}

	got, err := c.GetDevice(ctx, "org-1", "dev-1")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got.Hostname != "edge-1" || len(got.Interfaces) != 1 || got.Interfaces[0].PublicPort != 4800 {
		t.Errorf("device = %+v", got)
	}

	byMachine, err := c.GetDeviceByMachine(ctx, "org-1", "machine-1")
	if err != nil {
		t.Fatalf("GetDeviceByMachine failed: %v", err)
	}
	if byMachine.ID != "dev-1" {
		t.Errorf("machine index resolved %q", byMachine.ID)
	}

	devices, err := c.ListDevices(ctx, "org-1")
	if err != nil || len(devices) != 1 {
		t.Errorf("ListDevices = %d, %v", len(devices), err)
	}

	if err := c.DeleteDevice(ctx, "org-1", "dev-1"); err != nil {
		t.Fatalf("DeleteDevice failed: %v", err)
	}
	if _, err := c.GetDeviceByMachine(ctx, "org-1", "machine-1"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("machine index not cleaned: %v", err)
	}
}

func TestRoutesReferencing(t *testing.T) {
	c := newTestClient(t)
	ctx := testutil.Context(t)

	dev := &model.Device{
		ID: "dev-1", Org: "org-1", Hostname: "edge-1", MachineID: "machine-1",
		StaticRoutes: []model.StaticRoute{
			{Destination: "10.9.0.0/24", Gateway: "10.100.0.1"},
			{Destination: "10.8.0.0/24", Gateway: "172.16.0.1", Conditions: []string{"10.100.0.3"}},
			{Destination: "10.7.0.0/24", Gateway: "172.16.0.1"},
		},
	}
	if err := c.SaveDevice(ctx, dev); err != nil {
		t.Fatalf("SaveDevice failed: %v", err)
	}

	refs, err := c.RoutesReferencing(ctx, "org-1", []string{"10.100.0.1", "10.100.0.3", ""})
	if err != nil {
		t.Fatalf("RoutesReferencing failed: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("refs = %d, want gateway and condition matches", len(refs))
	}
	for _, ref := range refs {
		if ref.Device.ID != "dev-1" {
			t.Errorf("ref device = %q", ref.Device.ID)
		}
	}
}

func TestPeerRoundTripAndInUse(t *testing.T) {
	c := newTestClient(t)
	ctx := testutil.Context(t)

	peer := &model.Peer{
		ID: "peer-1", Org: "org-1", Name: "dc-gateway", RemoteIP: "203.0.113.10",
		LocalFQDN: "edge.example.com", RemoteFQDN: "dc.example.com", PSK: "secret",
		IKEProposal:   model.IKEProposal{CryptoAlg: "aes-cbc-256", IntegAlg: "sha-256", DHGroup: "modp-2048"},
		ESPProposal:   model.ESPProposal{CryptoAlg: "aes-cbc-256", IntegAlg: "sha-256"},
		RemoteSubnets: []string{"172.16.0.0/24"},
	}
	if err := c.SavePeer(ctx, peer); err != nil {
		t.Fatalf("SavePeer failed: %v", err)
	}

	got, err := c.GetPeer(ctx, "org-1", "peer-1")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.RemoteIP != "203.0.113.10" || got.IKEProposal.DHGroup != "modp-2048" {
		t.Errorf("peer = %+v", got)
	}

	// A peer with an active tunnel cannot be deleted.
	tun := sampleTunnel(8)
	tun.DeviceB = ""
	tun.InterfaceB = ""
	tun.Peer = "peer-1"
	if err := c.SaveTunnel(ctx, tun); err != nil {
		t.Fatalf("SaveTunnel failed: %v", err)
	}
	if err := c.DeletePeer(ctx, "org-1", "peer-1"); !errors.Is(err, util.ErrInUse) {
		t.Errorf("DeletePeer with an active tunnel = %v, want ErrInUse", err)
	}

	if err := c.DeactivateTunnel(ctx, "org-1", 8); err != nil {
		t.Fatalf("DeactivateTunnel failed: %v", err)
	}
	if err := c.DeletePeer(ctx, "org-1", "peer-1"); err != nil {
		t.Fatalf("DeletePeer after deactivation failed: %v", err)
	}
	if _, err := c.GetPeer(ctx, "org-1", "peer-1"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("deleted peer lookup = %v", err)
	}
}
