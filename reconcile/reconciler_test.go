package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"engineer/dal"
	"engineer/discordutils"
	"engineer/models"
)

type sentMessage struct {
	to      string
	content string
}

type fakePlatform struct {
	mu       sync.Mutex
	botID    string
	guilds   map[string]*discordgo.Guild
	nextID   int
	created  []*discordgo.Channel
	messages []sentMessage
	dms      []sentMessage
	left     []string

	createErr   error
	dmErr       map[string]error
	msgErr      error
	unavailable map[string]bool
}

func newFakePlatform(guilds ...*discordgo.Guild) *fakePlatform {
	p := &fakePlatform{
		botID:       "bot",
		guilds:      make(map[string]*discordgo.Guild),
		dmErr:       make(map[string]error),
		unavailable: make(map[string]bool),
	}
	for _, g := range guilds {
		p.guilds[g.ID] = g
	}
	return p
}

func (p *fakePlatform) BotUserID() string { return p.botID }

func (p *fakePlatform) Guilds() []*discordgo.Guild {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*discordgo.Guild
	for _, g := range p.guilds {
		out = append(out, g)
	}
	return out
}

func (p *fakePlatform) Guild(id string) (*discordgo.Guild, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.guilds[id]
	return g, ok
}

func (p *fakePlatform) Available(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unavailable[id] {
		return false
	}
	g, ok := p.guilds[id]
	return !ok || !g.Unavailable
}

func (p *fakePlatform) LeaveGuild(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left = append(p.left, id)
	delete(p.guilds, id)
	return nil
}

func (p *fakePlatform) CreateChannel(guildID string, data discordgo.GuildChannelCreateData) (*discordgo.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.nextID++
	ch := &discordgo.Channel{
		ID:                   fmt.Sprintf("new-chan-%d", p.nextID),
		GuildID:              guildID,
		Name:                 data.Name,
		PermissionOverwrites: data.PermissionOverwrites,
	}
	p.created = append(p.created, ch)
	if g, ok := p.guilds[guildID]; ok {
		g.Channels = append(g.Channels, ch)
	}
	return ch, nil
}

func (p *fakePlatform) DeleteChannel(string) error { return nil }

func (p *fakePlatform) SendMessage(channelID, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgErr != nil {
		return p.msgErr
	}
	p.messages = append(p.messages, sentMessage{channelID, content})
	return nil
}

func (p *fakePlatform) SendDirectMessage(userID, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.dmErr[userID]; err != nil {
		return err
	}
	p.dms = append(p.dms, sentMessage{userID, content})
	return nil
}

func (p *fakePlatform) CreateRole(guildID, name string) (*discordgo.Role, error) {
	return &discordgo.Role{ID: "role-" + name, Name: name}, nil
}

func (p *fakePlatform) AddRole(string, string, string) error    { return nil }
func (p *fakePlatform) RemoveRole(string, string, string) error { return nil }

func (p *fakePlatform) AddReaction(string, string, string) error   { return nil }
func (p *fakePlatform) ClearReaction(string, string, string) error { return nil }

func (p *fakePlatform) actions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created) + len(p.messages) + len(p.dms) + len(p.left)
}

// countingStore records every write the reconciler makes.
type countingStore struct {
	*dal.Gateway
	mu     sync.Mutex
	writes int
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *countingStore) bump() {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
}

func (s *countingStore) UpdateManagementChannel(ctx context.Context, guildID, channelID string) error {
	s.bump()
	return s.Gateway.UpdateManagementChannel(ctx, guildID, channelID)
}

func (s *countingStore) UpdateManagementRole(ctx context.Context, guildID, roleID string) error {
	s.bump()
	return s.Gateway.UpdateManagementRole(ctx, guildID, roleID)
}

func (s *countingStore) SetSetupRequired(ctx context.Context, guildID string, required bool) error {
	s.bump()
	return s.Gateway.SetSetupRequired(ctx, guildID, required)
}

func (s *countingStore) SafeTeardown(ctx context.Context, guildID string) bool {
	s.bump()
	return s.Gateway.SafeTeardown(ctx, guildID)
}

func newTestStore(t *testing.T) *countingStore {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("reconcile_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := dal.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	g := dal.NewGateway(db)
	t.Cleanup(func() { _ = g.Close() })
	return &countingStore{Gateway: g}
}

// activeGuild stores g1 with management channel c1 and role engineer, with
// setup completed.
func activeGuild(t *testing.T, store *countingStore) {
	t.Helper()
	ctx := context.Background()
	if err := store.Gateway.AddGuild(ctx, "g1", "c1", "engineer"); err != nil {
		t.Fatalf("AddGuild: %v", err)
	}
	if err := store.Gateway.CompleteSetup(ctx, "g1", nil); err != nil {
		t.Fatalf("CompleteSetup: %v", err)
	}
}

func testGuild() *discordgo.Guild {
	return &discordgo.Guild{
		ID:      "g1",
		Name:    "Robotics",
		OwnerID: "owner",
		Roles: []*discordgo.Role{
			{ID: "g1", Name: "@everyone", Position: 0},
			{ID: "student", Name: "Student", Position: 1},
			{ID: "admin", Name: "Admin", Position: 2, Permissions: discordgo.PermissionAdministrator},
			{ID: "engineer", Name: "Engineer", Position: 3},
		},
		Channels: []*discordgo.Channel{{ID: "c1", Name: "engineer"}},
		Members: []*discordgo.Member{
			{User: &discordgo.User{ID: "owner"}},
			{User: &discordgo.User{ID: "bot", Bot: true}, Roles: []string{"engineer"}},
			{User: &discordgo.User{ID: "mod"}, Roles: []string{"admin"}},
			{User: &discordgo.User{ID: "helper-bot", Bot: true}, Roles: []string{"admin"}},
			{User: &discordgo.User{ID: "member"}, Roles: []string{"student"}},
		},
	}
}

func newTestReconciler(p *fakePlatform, s Store) *Reconciler {
	return New(p, s, WithDMRate(1000, 100))
}

func TestIsRoleAtTop(t *testing.T) {
	roles := func(positions map[string]int) *discordgo.Guild {
		g := &discordgo.Guild{ID: "g"}
		g.Roles = append(g.Roles, &discordgo.Role{ID: "g", Position: 0})
		for id, pos := range positions {
			g.Roles = append(g.Roles, &discordgo.Role{ID: id, Position: pos})
		}
		return g
	}

	tests := []struct {
		name   string
		guild  *discordgo.Guild
		roleID string
		want   bool
	}{
		{"single top", roles(map[string]int{"a": 3, "b": 2, "c": 1}), "a", true},
		{"tie at top", roles(map[string]int{"a": 3, "b": 3, "c": 1}), "a", false},
		{"below top", roles(map[string]int{"a": 2, "b": 3}), "a", false},
		{"unknown role", roles(map[string]int{"a": 2}), "x", false},
		{"only everyone", roles(nil), "g", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRoleAtTop(tt.guild, tt.roleID); got != tt.want {
				t.Fatalf("IsRoleAtTop = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateGuildMemberships_NoDriftDoesNothing(t *testing.T) {
	store := newTestStore(t)
	activeGuild(t, store)
	p := newFakePlatform(testGuild())
	r := newTestReconciler(p, store)

	if err := r.ValidateGuildMemberships(context.Background()); err != nil {
		t.Fatalf("ValidateGuildMemberships: %v", err)
	}
	if n := store.count(); n != 0 {
		t.Fatalf("expected no writes, got %d", n)
	}
	if n := p.actions(); n != 0 {
		t.Fatalf("expected no platform actions, got %d", n)
	}
}

func TestValidateGuildMemberships_RecreatesDeletedChannel(t *testing.T) {
	store := newTestStore(t)
	activeGuild(t, store)
	guild := testGuild()
	guild.Channels = nil
	p := newFakePlatform(guild)
	r := newTestReconciler(p, store)
	ctx := context.Background()

	if err := r.ValidateGuildMemberships(ctx); err != nil {
		t.Fatalf("ValidateGuildMemberships: %v", err)
	}

	if len(p.created) != 1 {
		t.Fatalf("expected one channel to be created, got %d", len(p.created))
	}
	created := p.created[0]
	if created.Name != "engineer" {
		t.Fatalf("unexpected channel name %q", created.Name)
	}
	var roleAllowed bool
	for _, ow := range created.PermissionOverwrites {
		if ow.ID == "engineer" && ow.Allow&discordgo.PermissionViewChannel != 0 {
			roleAllowed = true
		}
	}
	if !roleAllowed {
		t.Fatal("management role should see the recreated channel")
	}

	cfg, err := store.Guild(ctx, "g1")
	if err != nil {
		t.Fatalf("Guild: %v", err)
	}
	if cfg.ManagementChannelID == nil || *cfg.ManagementChannelID != created.ID {
		t.Fatalf("stored channel not updated: %v", cfg.ManagementChannelID)
	}
	if !cfg.SetupRequired {
		t.Fatal("setup_required should be set after drift")
	}
	if len(p.messages) != 1 || p.messages[0].to != created.ID || p.messages[0].content != channelRecreatedNotice {
		t.Fatalf("expected recreation notice in new channel, got %+v", p.messages)
	}
}

func TestValidateGuildMemberships_IsIdempotent(t *testing.T) {
	store := newTestStore(t)
	activeGuild(t, store)
	guild := testGuild()
	guild.Channels = nil
	p := newFakePlatform(guild)
	r := newTestReconciler(p, store)
	ctx := context.Background()

	if err := r.ValidateGuildMemberships(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	writes, actions := store.count(), p.actions()

	if err := r.ValidateGuildMemberships(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if store.count() != writes || p.actions() != actions {
		t.Fatalf("second pass repaired again: writes %d->%d, actions %d->%d",
			writes, store.count(), actions, p.actions())
	}
}

func TestValidateGuildMemberships_FallsBackToBotRole(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Gateway.AddGuild(ctx, "g1", "c1", "deleted-role"); err != nil {
		t.Fatalf("AddGuild: %v", err)
	}
	p := newFakePlatform(testGuild())
	r := newTestReconciler(p, store)

	if err := r.ValidateGuildMemberships(ctx); err != nil {
		t.Fatalf("ValidateGuildMemberships: %v", err)
	}
	cfg, err := store.Guild(ctx, "g1")
	if err != nil {
		t.Fatalf("Guild: %v", err)
	}
	if cfg.ManagementRoleID == nil || *cfg.ManagementRoleID != "engineer" {
		t.Fatalf("expected fallback to bot's highest role, got %v", cfg.ManagementRoleID)
	}
	if !cfg.SetupRequired {
		t.Fatal("setup_required should stay set")
	}
	if len(p.messages) != 1 || p.messages[0].to != "c1" {
		t.Fatalf("expected one notice in management channel, got %+v", p.messages)
	}
}

func TestValidateGuildMemberships_ChannelPermissionDeniedNotifiesOwner(t *testing.T) {
	store := newTestStore(t)
	activeGuild(t, store)
	guild := testGuild()
	guild.Channels = nil
	p := newFakePlatform(guild)
	p.createErr = fmt.Errorf("%w: missing permissions", discordutils.ErrPermissionDenied)
	r := newTestReconciler(p, store)
	ctx := context.Background()

	if err := r.ValidateGuildMemberships(ctx); err != nil {
		t.Fatalf("ValidateGuildMemberships: %v", err)
	}
	if len(p.dms) != 1 || p.dms[0].to != "owner" || !strings.Contains(p.dms[0].content, "Manage Channels") {
		t.Fatalf("expected owner DM, got %+v", p.dms)
	}
	cfg, err := store.Guild(ctx, "g1")
	if err != nil {
		t.Fatalf("Guild: %v", err)
	}
	if !cfg.SetupRequired {
		t.Fatal("setup_required must be set even when repair fails")
	}
}

func TestValidateGuildMemberships_TearsDownLeftGuilds(t *testing.T) {
	store := newTestStore(t)
	activeGuild(t, store)
	if err := store.Gateway.AddGuild(context.Background(), "g2", "c2", "r2"); err != nil {
		t.Fatalf("AddGuild: %v", err)
	}
	p := newFakePlatform(testGuild())
	r := newTestReconciler(p, store)
	ctx := context.Background()

	if err := r.ValidateGuildMemberships(ctx); err != nil {
		t.Fatalf("ValidateGuildMemberships: %v", err)
	}
	if _, err := store.Guild(ctx, "g2"); !errors.Is(err, dal.ErrNotFound) {
		t.Fatalf("expected g2 to be torn down, got %v", err)
	}
	if _, err := store.Guild(ctx, "g1"); err != nil {
		t.Fatalf("g1 should remain: %v", err)
	}
}

func TestValidateGuildMemberships_WarnsWhenRoleNotOnTop(t *testing.T) {
	store := newTestStore(t)
	activeGuild(t, store)
	guild := testGuild()
	guild.Roles[3].Position = 2 // tie with admin
	p := newFakePlatform(guild)
	r := newTestReconciler(p, store)
	ctx := context.Background()

	if err := r.ValidateGuildMemberships(ctx); err != nil {
		t.Fatalf("ValidateGuildMemberships: %v", err)
	}
	cfg, err := store.Guild(ctx, "g1")
	if err != nil {
		t.Fatalf("Guild: %v", err)
	}
	if cfg.State() != models.GuildSetupPending {
		t.Fatalf("expected SetupPending, got %s", cfg.State())
	}
	if len(p.messages) != 1 {
		t.Fatalf("expected channel warning, got %+v", p.messages)
	}

	// Guild is now SetupPending, so the next pass stays quiet.
	before := p.actions()
	if err := r.ValidateGuildMemberships(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if p.actions() != before {
		t.Fatal("warning repeated for a guild already in setup")
	}
}

func TestValidateGuildsAgainstDatabase_LeavesUnknownGuilds(t *testing.T) {
	store := newTestStore(t)
	activeGuild(t, store)
	stranger := &discordgo.Guild{ID: "g9"}
	p := newFakePlatform(testGuild(), stranger)
	r := newTestReconciler(p, store)

	if err := r.ValidateGuildsAgainstDatabase(context.Background()); err != nil {
		t.Fatalf("ValidateGuildsAgainstDatabase: %v", err)
	}
	if len(p.left) != 1 || p.left[0] != "g9" {
		t.Fatalf("expected to leave g9 only, left %v", p.left)
	}
}

func TestSendRolePositionWarning_ToleratesFailures(t *testing.T) {
	store := newTestStore(t)
	guild := testGuild()
	p := newFakePlatform(guild)
	p.dmErr["owner"] = discordutils.ErrPermissionDenied
	r := newTestReconciler(p, store)

	if !r.SendRolePositionWarning(context.Background(), guild, "engineer", "c1") {
		t.Fatal("expected at least one delivery")
	}
	if len(p.messages) != 1 {
		t.Fatalf("expected channel warning, got %d", len(p.messages))
	}
	if len(p.dms) != 1 || p.dms[0].to != "mod" {
		t.Fatalf("expected DM to mod only, got %+v", p.dms)
	}

	p2 := newFakePlatform(guild)
	p2.msgErr = errors.New("boom")
	p2.dmErr["owner"] = errors.New("boom")
	p2.dmErr["mod"] = errors.New("boom")
	if newTestReconciler(p2, store).SendRolePositionWarning(context.Background(), guild, "engineer", "c1") {
		t.Fatal("expected false when every send fails")
	}
}

func TestCheckRolePosition_DebouncesWarnings(t *testing.T) {
	store := newTestStore(t)
	activeGuild(t, store)
	guild := testGuild()
	guild.Roles[3].Position = 1
	p := newFakePlatform(guild)
	r := newTestReconciler(p, store)
	ctx := context.Background()

	if err := r.CheckRolePosition(ctx, "g1"); err != nil {
		t.Fatalf("CheckRolePosition: %v", err)
	}
	if len(p.messages) != 1 {
		t.Fatalf("expected one warning, got %d", len(p.messages))
	}

	// Re-activate and drop again inside the window: state flips, no new warning.
	if err := store.Gateway.SetSetupRequired(ctx, "g1", false); err != nil {
		t.Fatalf("SetSetupRequired: %v", err)
	}
	if err := r.CheckRolePosition(ctx, "g1"); err != nil {
		t.Fatalf("CheckRolePosition: %v", err)
	}
	if len(p.messages) != 1 {
		t.Fatalf("warning not debounced, got %d", len(p.messages))
	}
	cfg, err := store.Guild(ctx, "g1")
	if err != nil {
		t.Fatalf("Guild: %v", err)
	}
	if !cfg.SetupRequired {
		t.Fatal("guild should be back in setup")
	}
}

func TestMemoryDebouncer(t *testing.T) {
	d := NewMemoryDebouncer()
	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	if !d.Allow(ctx, "k", time.Minute) {
		t.Fatal("first call should pass")
	}
	if d.Allow(ctx, "k", time.Minute) {
		t.Fatal("second call inside window should be suppressed")
	}
	if !d.Allow(ctx, "other", time.Minute) {
		t.Fatal("keys are independent")
	}
	now = now.Add(time.Minute)
	if !d.Allow(ctx, "k", time.Minute) {
		t.Fatal("call after window should pass")
	}
}

func TestMemoryDebouncer_MixedWindows(t *testing.T) {
	d := NewMemoryDebouncer()
	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	if !d.Allow(ctx, "role-position:g1", 10*time.Minute) {
		t.Fatal("first warning should pass")
	}
	now = now.Add(2 * time.Minute)
	if !d.Allow(ctx, "setup-nag:g2", time.Minute) {
		t.Fatal("unrelated key should pass")
	}
	now = now.Add(time.Second)
	if d.Allow(ctx, "role-position:g1", 10*time.Minute) {
		t.Fatal("a shorter window on another key must not expire the long one")
	}
	now = now.Add(8 * time.Minute)
	if !d.Allow(ctx, "role-position:g1", 10*time.Minute) {
		t.Fatal("warning should pass once its own window is over")
	}
}

func TestValidateGuildMemberships_ChannelFailureNotifiesOwner(t *testing.T) {
	store := newTestStore(t)
	activeGuild(t, store)
	guild := testGuild()
	guild.Channels = nil
	p := newFakePlatform(guild)
	p.createErr = errors.New("500 internal server error")
	r := newTestReconciler(p, store)

	if err := r.ValidateGuildMemberships(context.Background()); err != nil {
		t.Fatalf("ValidateGuildMemberships: %v", err)
	}
	if len(p.dms) != 1 || p.dms[0].to != "owner" || !strings.Contains(p.dms[0].content, "500 internal server error") {
		t.Fatalf("expected owner DM with the failure, got %+v", p.dms)
	}
}

func TestValidateGuildMemberships_KeepsGuildDuringOutage(t *testing.T) {
	store := newTestStore(t)
	activeGuild(t, store)
	p := newFakePlatform()
	p.unavailable["g1"] = true
	r := newTestReconciler(p, store)
	ctx := context.Background()

	if err := r.ValidateGuildMemberships(ctx); err != nil {
		t.Fatalf("ValidateGuildMemberships: %v", err)
	}
	if _, err := store.Guild(ctx, "g1"); err != nil {
		t.Fatalf("guild in an outage was torn down: %v", err)
	}
	if store.count() != 0 {
		t.Fatalf("expected no writes, got %d", store.count())
	}
}

func TestValidateGuildMemberships_IgnoresUnavailableStub(t *testing.T) {
	store := newTestStore(t)
	activeGuild(t, store)
	p := newFakePlatform(&discordgo.Guild{ID: "g1", Unavailable: true})
	r := newTestReconciler(p, store)
	ctx := context.Background()

	if err := r.ValidateGuildMemberships(ctx); err != nil {
		t.Fatalf("ValidateGuildMemberships: %v", err)
	}
	if err := r.CheckRolePosition(ctx, "g1"); err != nil {
		t.Fatalf("CheckRolePosition: %v", err)
	}
	if p.actions() != 0 || store.count() != 0 {
		t.Fatalf("stub guild was repaired: actions=%d writes=%d", p.actions(), store.count())
	}
	cfg, err := store.Guild(ctx, "g1")
	if err != nil {
		t.Fatalf("Guild: %v", err)
	}
	if cfg.SetupRequired {
		t.Fatal("active guild was demoted")
	}
}

func TestValidateGuildsAgainstDatabase_SkipsHeldGuilds(t *testing.T) {
	store := newTestStore(t)
	p := newFakePlatform(testGuild())
	r := newTestReconciler(p, store)
	ctx := context.Background()

	release := r.Hold("g1")
	if err := r.ValidateGuildsAgainstDatabase(ctx); err != nil {
		t.Fatalf("ValidateGuildsAgainstDatabase: %v", err)
	}
	if len(p.left) != 0 {
		t.Fatalf("left a guild that is still joining: %v", p.left)
	}

	release()
	release()
	if err := r.ValidateGuildsAgainstDatabase(ctx); err != nil {
		t.Fatalf("ValidateGuildsAgainstDatabase: %v", err)
	}
	if len(p.left) != 1 {
		t.Fatalf("expected to leave once released, left %v", p.left)
	}
}

func TestChannelCreateData(t *testing.T) {
	guild := testGuild()

	mgmt := ChannelCreateData(guild, models.ChannelManagement, "bot", "engineer")
	if mgmt.Name != "engineer" || len(mgmt.PermissionOverwrites) == 0 {
		t.Fatalf("management channel should be restricted: %+v", mgmt)
	}
	verify := ChannelCreateData(guild, models.ChannelVerify, "bot", "engineer")
	if verify.Name != "verify" || len(verify.PermissionOverwrites) != 0 {
		t.Fatalf("verify channel should be public: %+v", verify)
	}
}
