package workspace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsec-cloud/parsec-go/pkg/certif"
	"github.com/parsec-cloud/parsec-go/pkg/events"
	"github.com/parsec-cloud/parsec-go/pkg/log"
	"github.com/parsec-cloud/parsec-go/pkg/storage"
	"github.com/parsec-cloud/parsec-go/pkg/testutil"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type client struct {
	device    *types.LocalDevice
	certifOps *certif.Ops
	ops       *Ops
}

// activate points the shared in-memory server at this client's device and
// returns it (tests are sequential, one active client at a time)
func (c *client) activate(org *testutil.Org) *client {
	org.Server.AuthorDevice = c.device.DeviceID
	return c
}

func newClient(t *testing.T, org *testutil.Org, device *types.LocalDevice, realmID types.RealmID) *client {
	t.Helper()
	dir := t.TempDir()

	certPersist, err := storage.NewCertificateStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { certPersist.Close() })
	certStore, err := certif.NewStore(certPersist)
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	certifOps := certif.NewOpsWithClock(device, org.Server, certStore, broker, org.Now)

	wsPersist, err := storage.NewWorkspaceStore(dir, realmID)
	require.NoError(t, err)
	store, err := NewStore(device, wsPersist, realmID, org.Now())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })

	return &client{
		device:    device,
		certifOps: certifOps,
		ops:       NewOps(device, org.Server, certifOps, store, broker),
	}
}

// bootstrapRealmWithOwner enrolls alice, bootstraps a realm and returns her
// client
func bootstrapRealmWithOwner(t *testing.T, org *testutil.Org) (*client, types.RealmID) {
	t.Helper()
	aliceDevice := org.EnrollDevice("alice", "laptop", types.UserProfileAdmin)
	org.Server.AuthorDevice = aliceDevice.DeviceID

	// Bootstrap through a throwaway certif ops (the realm id is needed
	// before the workspace store can open)
	certPersist, err := storage.NewCertificateStore(t.TempDir())
	require.NoError(t, err)
	certStore, err := certif.NewStore(certPersist)
	require.NoError(t, err)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	bootstrapOps := certif.NewOpsWithClock(aliceDevice, org.Server, certStore, broker, org.Now)
	require.NoError(t, bootstrapOps.PollServerForNewCertificates(context.Background()))
	realmID, err := bootstrapOps.BootstrapRealm(context.Background(), "wksp1")
	require.NoError(t, err)
	require.NoError(t, certPersist.Close())

	alice := newClient(t, org, aliceDevice, realmID)
	require.NoError(t, alice.certifOps.PollServerForNewCertificates(context.Background()))
	return alice, realmID
}

func entryName(t *testing.T, raw string) types.EntryName {
	t.Helper()
	n, err := types.NewEntryName(raw)
	require.NoError(t, err)
	return n
}

// Scenario: owner creates and syncs a file, a second client joins as Reader
// and reads the exact same content back
func TestTwoClientFileRoundTrip(t *testing.T) {
	org := testutil.NewOrg(t)
	ctx := context.Background()
	alice, realmID := bootstrapRealmWithOwner(t, org)

	content := []byte("hello world, this is the file content")
	fileID, err := alice.ops.CreateFile(ctx, realmID, entryName(t, "hello.txt"))
	require.NoError(t, err)
	require.NoError(t, alice.ops.WriteFile(ctx, fileID, content))
	require.NoError(t, alice.ops.OutboundSyncAll(ctx))

	// Share with bob as Reader
	bobDevice := org.EnrollDevice("bob", "laptop", types.UserProfileStandard)
	role := types.RealmRoleReader
	require.NoError(t, alice.certifOps.ShareRealm(ctx, realmID, "bob", &role))

	bob := newClient(t, org, bobDevice, realmID)
	bob.activate(org)
	require.NoError(t, bob.certifOps.PollServerForNewCertificates(ctx))

	outcome, err := bob.ops.InboundSync(ctx, realmID)
	require.NoError(t, err)
	assert.Equal(t, InboundSyncUpdated, outcome)

	root := bob.ops.Store().GetWorkspaceManifest()
	gotFileID, ok := root.Children[entryName(t, "hello.txt")]
	require.True(t, ok)
	assert.Equal(t, fileID, gotFileID)

	outcome, err = bob.ops.InboundSync(ctx, gotFileID)
	require.NoError(t, err)
	assert.Equal(t, InboundSyncUpdated, outcome)

	got, err := bob.ops.ReadFile(ctx, gotFileID)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

// Outbound sync bumps exactly one version per upload, on the server and in
// the local base
func TestOutboundSyncVersionSequence(t *testing.T) {
	org := testutil.NewOrg(t)
	ctx := context.Background()
	alice, realmID := bootstrapRealmWithOwner(t, org)

	_, err := alice.ops.CreateFolder(ctx, realmID, entryName(t, "docs"))
	require.NoError(t, err)
	require.NoError(t, alice.ops.OutboundSyncAll(ctx))
	assert.Equal(t, 1, org.Server.VlobVersionCount(realmID, realmID))
	local := alice.ops.Store().GetWorkspaceManifest()
	assert.False(t, local.NeedSync)
	assert.Equal(t, types.VersionInt(1), local.Base.Version)

	_, err = alice.ops.CreateFolder(ctx, realmID, entryName(t, "more"))
	require.NoError(t, err)
	require.NoError(t, alice.ops.OutboundSyncAll(ctx))
	assert.Equal(t, 2, org.Server.VlobVersionCount(realmID, realmID))
	local = alice.ops.Store().GetWorkspaceManifest()
	assert.Equal(t, types.VersionInt(2), local.Base.Version)
}

// Scenario: entries matching the prevent-sync pattern never reach the
// server; renaming them out of the pattern syncs them
func TestConfinementLifecycle(t *testing.T) {
	org := testutil.NewOrg(t)
	ctx := context.Background()
	alice, realmID := bootstrapRealmWithOwner(t, org)
	require.NoError(t, alice.ops.SetPreventSyncPattern(ctx, `(?i)^.*\.tmp$`))

	scratchID, err := alice.ops.CreateFile(ctx, realmID, entryName(t, "scratch.tmp"))
	require.NoError(t, err)
	keptID, err := alice.ops.CreateFile(ctx, realmID, entryName(t, "kept.txt"))
	require.NoError(t, err)
	require.NoError(t, alice.ops.WriteFile(ctx, keptID, []byte("kept")))
	require.NoError(t, alice.ops.OutboundSyncAll(ctx))

	// Bob only sees the non-confined entry
	bobDevice := org.EnrollDevice("bob", "laptop", types.UserProfileStandard)
	role := types.RealmRoleContributor
	alice.activate(org)
	require.NoError(t, alice.certifOps.ShareRealm(ctx, realmID, "bob", &role))
	bob := newClient(t, org, bobDevice, realmID)
	bob.activate(org)
	require.NoError(t, bob.certifOps.PollServerForNewCertificates(ctx))
	_, err = bob.ops.InboundSync(ctx, realmID)
	require.NoError(t, err)
	root := bob.ops.Store().GetWorkspaceManifest()
	assert.NotContains(t, root.Children, entryName(t, "scratch.tmp"))
	assert.Contains(t, root.Children, entryName(t, "kept.txt"))

	// Alice renames the confined file out of the pattern
	alice.activate(org)
	require.NoError(t, alice.ops.RenameEntry(ctx, realmID, entryName(t, "scratch.tmp"), entryName(t, "scratch.txt")))
	require.NoError(t, alice.ops.OutboundSyncAll(ctx))

	bob.activate(org)
	_, err = bob.ops.InboundSync(ctx, realmID)
	require.NoError(t, err)
	root = bob.ops.Store().GetWorkspaceManifest()
	assert.Equal(t, scratchID, root.Children[entryName(t, "scratch.txt")])
}

// Scenario: the latest remote version is corrupted; the client walks back to
// the last valid version and masquerades it as the latest so future uploads
// are not rejected
func TestSelfHealAdoptsOlderValidVersion(t *testing.T) {
	org := testutil.NewOrg(t)
	ctx := context.Background()
	alice, realmID := bootstrapRealmWithOwner(t, org)

	fileID, err := alice.ops.CreateFile(ctx, realmID, entryName(t, "data.bin"))
	require.NoError(t, err)
	require.NoError(t, alice.ops.WriteFile(ctx, fileID, []byte("version one")))
	require.NoError(t, alice.ops.OutboundSyncAll(ctx))
	require.NoError(t, alice.ops.WriteFile(ctx, fileID, []byte("version two")))
	require.NoError(t, alice.ops.OutboundSyncAll(ctx))
	require.Equal(t, 2, org.Server.VlobVersionCount(realmID, fileID))

	// Corrupt the latest version on the server
	org.Server.TamperVlob(realmID, fileID, 2, []byte("garbage"))

	// Bob fetches: v2 is invalid, v1 is adopted, masquerading as v2
	bobDevice := org.EnrollDevice("bob", "laptop", types.UserProfileStandard)
	role := types.RealmRoleContributor
	alice.activate(org)
	require.NoError(t, alice.certifOps.ShareRealm(ctx, realmID, "bob", &role))
	bob := newClient(t, org, bobDevice, realmID)
	bob.activate(org)
	require.NoError(t, bob.certifOps.PollServerForNewCertificates(ctx))
	_, err = bob.ops.InboundSync(ctx, realmID)
	require.NoError(t, err)

	outcome, err := bob.ops.InboundSync(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, InboundSyncUpdated, outcome)

	local, err := bob.ops.Store().GetChildManifest(fileID)
	require.NoError(t, err)
	require.NotNil(t, local.File)
	assert.Equal(t, types.VersionInt(2), local.File.Base.Version)

	got, err := bob.ops.ReadFile(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, []byte("version one"), got)
}

// Scenario: concurrent file edits materialize both versions, the local copy
// under a conflict-renamed entry
func TestConcurrentFileEditConflict(t *testing.T) {
	org := testutil.NewOrg(t)
	ctx := context.Background()
	alice, realmID := bootstrapRealmWithOwner(t, org)

	fileID, err := alice.ops.CreateFile(ctx, realmID, entryName(t, "report.txt"))
	require.NoError(t, err)
	require.NoError(t, alice.ops.WriteFile(ctx, fileID, []byte("base")))
	require.NoError(t, alice.ops.OutboundSyncAll(ctx))

	bobDevice := org.EnrollDevice("bob", "laptop", types.UserProfileStandard)
	role := types.RealmRoleContributor
	require.NoError(t, alice.certifOps.ShareRealm(ctx, realmID, "bob", &role))
	bob := newClient(t, org, bobDevice, realmID)
	bob.activate(org)
	require.NoError(t, bob.certifOps.PollServerForNewCertificates(ctx))
	_, err = bob.ops.InboundSync(ctx, realmID)
	require.NoError(t, err)
	_, err = bob.ops.InboundSync(ctx, fileID)
	require.NoError(t, err)

	// Bob pushes his edit first
	require.NoError(t, bob.ops.WriteFile(ctx, fileID, []byte("bob version")))
	require.NoError(t, bob.ops.OutboundSyncAll(ctx))

	// Alice edited concurrently; her inbound sync materializes both versions
	alice.activate(org)
	require.NoError(t, alice.ops.WriteFile(ctx, fileID, []byte("alice version")))
	outcome, err := alice.ops.InboundSync(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, InboundSyncUpdated, outcome)

	// The original id now holds bob's version
	got, err := alice.ops.ReadFile(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, []byte("bob version"), got)

	// The conflict copy sits next to it, marked for sync
	root := alice.ops.Store().GetWorkspaceManifest()
	conflictID, ok := root.Children[entryName(t, "report (2).txt")]
	require.True(t, ok, "conflict-renamed entry missing: %v", root.Children)
	assert.True(t, root.NeedSync)
	conflictContent, err := alice.ops.ReadFile(ctx, conflictID)
	require.NoError(t, err)
	assert.Equal(t, []byte("alice version"), conflictContent)
}

func TestInboundSyncEntryBusy(t *testing.T) {
	org := testutil.NewOrg(t)
	ctx := context.Background()
	alice, realmID := bootstrapRealmWithOwner(t, org)

	fileID, err := alice.ops.CreateFile(ctx, realmID, entryName(t, "busy.txt"))
	require.NoError(t, err)
	require.NoError(t, alice.ops.OutboundSyncAll(ctx))

	updater, _, err := alice.ops.Store().ForUpdateChildManifest(ctx, fileID)
	require.NoError(t, err)
	outcome, err := alice.ops.InboundSync(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, InboundSyncEntryIsBusy, outcome)
	updater.Close()

	outcome, err = alice.ops.InboundSync(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, InboundSyncNoChange, outcome)
}

func TestRefreshRealmCheckpoint(t *testing.T) {
	org := testutil.NewOrg(t)
	ctx := context.Background()
	alice, realmID := bootstrapRealmWithOwner(t, org)

	require.NoError(t, alice.ops.RefreshRealmCheckpoint(ctx))
	checkpoint, err := alice.ops.Store().GetRealmCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, types.IndexInt(0), checkpoint)

	_, err = alice.ops.CreateFolder(ctx, realmID, entryName(t, "docs"))
	require.NoError(t, err)
	require.NoError(t, alice.ops.OutboundSyncAll(ctx))

	require.NoError(t, alice.ops.RefreshRealmCheckpoint(ctx))
	checkpoint, err = alice.ops.Store().GetRealmCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, org.Server.RealmCheckpoint(realmID), checkpoint)

	// Polling at the current checkpoint is a no-op
	require.NoError(t, alice.ops.RefreshRealmCheckpoint(ctx))
	again, err := alice.ops.Store().GetRealmCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, checkpoint, again)
}

// A second client's local change shows up as a remote change after the
// checkpoint poll, driving the inbound sync work list
func TestCheckpointDrivesInboundNeedSync(t *testing.T) {
	org := testutil.NewOrg(t)
	ctx := context.Background()
	alice, realmID := bootstrapRealmWithOwner(t, org)

	fileID, err := alice.ops.CreateFile(ctx, realmID, entryName(t, "shared.txt"))
	require.NoError(t, err)
	require.NoError(t, alice.ops.WriteFile(ctx, fileID, []byte("v1")))
	require.NoError(t, alice.ops.OutboundSyncAll(ctx))
	require.NoError(t, alice.ops.RefreshRealmCheckpoint(ctx))

	bobDevice := org.EnrollDevice("bob", "laptop", types.UserProfileStandard)
	role := types.RealmRoleContributor
	require.NoError(t, alice.certifOps.ShareRealm(ctx, realmID, "bob", &role))
	bob := newClient(t, org, bobDevice, realmID)
	bob.activate(org)
	require.NoError(t, bob.certifOps.PollServerForNewCertificates(ctx))
	_, err = bob.ops.InboundSync(ctx, realmID)
	require.NoError(t, err)
	_, err = bob.ops.InboundSync(ctx, fileID)
	require.NoError(t, err)
	require.NoError(t, bob.ops.WriteFile(ctx, fileID, []byte("v2 from bob")))
	require.NoError(t, bob.ops.OutboundSyncAll(ctx))

	alice.activate(org)
	require.NoError(t, alice.ops.RefreshRealmCheckpoint(ctx))
	entries, err := alice.ops.GetNeedInboundSyncEntries(0)
	require.NoError(t, err)
	assert.Contains(t, entries, fileID)

	_, err = alice.ops.InboundSync(ctx, fileID)
	require.NoError(t, err)
	got, err := alice.ops.ReadFile(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2 from bob"), got)
}
