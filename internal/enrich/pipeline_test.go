package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/assadOW2/grimoirelab-elk/internal/identity"
	"github.com/assadOW2/grimoirelab-elk/pkg/config"
	pkgerrors "github.com/assadOW2/grimoirelab-elk/pkg/errors"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type stubConnector struct {
	mapFail map[string]bool
}

func (c *stubConnector) Backend() string    { return "stub" }
func (c *stubConnector) Roles() []string    { return []string{"user_data"} }
func (c *stubConnector) AuthorRole() string { return "user_data" }

func (c *stubConnector) SchemaFragment() map[string]FieldType {
	return map[string]FieldType{"login": TypeKeyword}
}

func (c *stubConnector) Identities(item RawItem) map[string]identity.Descriptor {
	var payload struct {
		Login *string `json:"login"`
	}
	if err := json.Unmarshal(item.Data, &payload); err != nil || payload.Login == nil {
		return nil
	}
	return map[string]identity.Descriptor{
		"user_data": {Username: payload.Login},
	}
}

func (c *stubConnector) Rich(item RawItem, resolved map[string]identity.Canonical) (Document, error) {
	if c.mapFail[item.UUID] {
		return nil, fmt.Errorf("malformed payload")
	}
	var payload struct {
		Login *string `json:"login"`
	}
	if err := json.Unmarshal(item.Data, &payload); err != nil {
		return nil, err
	}
	doc := Document{"login": nil}
	if payload.Login != nil {
		doc["login"] = *payload.Login
	}
	doc[FieldCreationDate] = item.MetadataUpdatedOn.UTC().Format(time.RFC3339)
	return doc, nil
}

type fakeRawStore struct {
	items  []RawItem
	cancel context.CancelFunc
	after  int
}

func (s *fakeRawStore) Fetch(ctx context.Context, backend string, since *time.Time, fn func(RawItem) error) error {
	for i, item := range s.items {
		if since != nil && !item.MetadataTimestamp.After(*since) {
			continue
		}
		if s.cancel != nil && i == s.after {
			s.cancel()
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

type fakeDocStore struct {
	mu             sync.Mutex
	docs           map[string]Document
	failUUIDs      map[string]bool
	schemaConflict bool
	transientLeft  int
	upsertCalls    int
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{docs: make(map[string]Document)}
}

func (s *fakeDocStore) EnsureSchema(ctx context.Context, index string, fragment map[string]FieldType) error {
	if s.schemaConflict {
		return fmt.Errorf("%w: field login is text, connector declares keyword", pkgerrors.ErrSchemaConflict)
	}
	return nil
}

func (s *fakeDocStore) BulkUpsert(ctx context.Context, index string, docs []Document) (BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls++
	if s.transientLeft > 0 {
		s.transientLeft--
		return BulkResult{}, fmt.Errorf("store unreachable")
	}
	var result BulkResult
	for _, doc := range docs {
		uuid, _ := doc[FieldUUID].(string)
		if s.failUUIDs[uuid] {
			result.Failed = append(result.Failed, FailedDoc{UUID: uuid, Error: "rejected"})
			continue
		}
		s.docs[uuid] = doc
		result.Succeeded++
	}
	return result, nil
}

func (s *fakeDocStore) MaxTimestamp(ctx context.Context, index string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max *time.Time
	for _, doc := range s.docs {
		raw, _ := doc[FieldMetadataTimestamp].(string)
		ts, ok := ParseRawTime(raw)
		if !ok {
			continue
		}
		if max == nil || ts.After(*max) {
			t := ts
			max = &t
		}
	}
	return max, nil
}

func (s *fakeDocStore) Fetch(ctx context.Context, index string, fn func(Document) error) error {
	s.mu.Lock()
	uuids := make([]string, 0, len(s.docs))
	for uuid := range s.docs {
		uuids = append(uuids, uuid)
	}
	s.mu.Unlock()
	sort.Strings(uuids)
	for _, uuid := range uuids {
		s.mu.Lock()
		doc := s.docs[uuid]
		s.mu.Unlock()
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeDocStore) MergeFields(ctx context.Context, index string, uuid string, fields Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[uuid]
	if !ok {
		return nil
	}
	for k, v := range fields {
		doc[k] = v
	}
	return nil
}

type failingIdentityStore struct{}

func (failingIdentityStore) LookupOrCreate(ctx context.Context, d identity.Descriptor) (identity.Canonical, error) {
	return identity.Canonical{}, errors.New("identity store unreachable")
}

func (failingIdentityStore) Organization(ctx context.Context, uuid string) (string, error) {
	return "", errors.New("identity store unreachable")
}

type staticProjects map[string]string

func (p staticProjects) Lookup(origin string) (string, bool) {
	name, ok := p[origin]
	return name, ok
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func stubItem(uuid, login string, ts time.Time) RawItem {
	return RawItem{
		UUID:              uuid,
		Origin:            "https://example.org/repo",
		MetadataUpdatedOn: ts,
		MetadataTimestamp: ts,
		Data:              json.RawMessage(fmt.Sprintf(`{"login": %q}`, login)),
	}
}

func testConfig() config.EnrichConfig {
	return config.EnrichConfig{
		Incremental:     false,
		BatchSize:       10,
		ResolverWorkers: 2,
	}
}

func newTestPipeline(raw RawStore, out DocStore, cfg config.EnrichConfig, opts ...func(*Options)) *Pipeline {
	o := Options{
		Connector: &stubConnector{},
		RawStore:  raw,
		DocStore:  out,
		Resolver:  identity.NewResolver(nil, nil, nil),
		Config:    cfg,
		OutIndex:  "stub-enriched",
		Now:       func() time.Time { return time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	for _, f := range opts {
		f(&o)
	}
	return NewPipeline(o)
}

func ts(day int) time.Time {
	return time.Date(2020, 5, day, 0, 0, 0, 0, time.UTC)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRunReportCounts(t *testing.T) {
	raw := &fakeRawStore{items: []RawItem{
		stubItem("a", "alice", ts(1)),
		stubItem("b", "bob", ts(2)),
		stubItem("c", "carol", ts(3)),
		stubItem("d", "dan", ts(4)),
		stubItem("e", "eve", ts(5)),
	}}
	out := newFakeDocStore()
	connector := &stubConnector{mapFail: map[string]bool{"c": true}}

	p := newTestPipeline(raw, out, testConfig(), func(o *Options) { o.Connector = connector })
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if report.Fetched != 5 {
		t.Errorf("fetched = %d, expected 5", report.Fetched)
	}
	if report.Enriched != 4 {
		t.Errorf("enriched = %d, expected 4", report.Enriched)
	}
	if len(report.Failed) != 1 {
		t.Fatalf("failed = %d, expected 1", len(report.Failed))
	}
	if report.Failed[0].UUID != "c" || report.Failed[0].Stage != "map" {
		t.Errorf("unexpected failure record %+v", report.Failed[0])
	}
	if len(out.docs) != 4 {
		t.Errorf("stored docs = %d, expected 4", len(out.docs))
	}
	if _, ok := out.docs["c"]; ok {
		t.Error("failed item must not be stored")
	}
}

func TestBatchAtomicity(t *testing.T) {
	// A batch of 6 with exactly 2 rejected documents: exactly 4 appear in
	// the index and exactly 2 are reported as failed.
	raw := &fakeRawStore{items: []RawItem{
		stubItem("a", "alice", ts(1)),
		stubItem("b", "bob", ts(2)),
		stubItem("c", "carol", ts(3)),
		stubItem("d", "dan", ts(4)),
		stubItem("e", "eve", ts(5)),
		stubItem("f", "frank", ts(6)),
	}}
	out := newFakeDocStore()
	out.failUUIDs = map[string]bool{"b": true, "e": true}

	p := newTestPipeline(raw, out, testConfig())
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(out.docs) != 4 {
		t.Errorf("stored docs = %d, expected 4", len(out.docs))
	}
	if len(report.Failed) != 2 {
		t.Fatalf("failed = %d, expected 2", len(report.Failed))
	}
	for _, f := range report.Failed {
		if f.Stage != "flush" {
			t.Errorf("failure stage = %q, expected flush", f.Stage)
		}
		if f.UUID != "b" && f.UUID != "e" {
			t.Errorf("unexpected failed uuid %q", f.UUID)
		}
	}
	if report.Enriched != report.Fetched-len(report.Failed) {
		t.Errorf("enriched = %d, expected fetched-failed = %d",
			report.Enriched, report.Fetched-len(report.Failed))
	}
}

func TestReenrichmentOverwrites(t *testing.T) {
	item := stubItem("a", "alice", ts(1))
	raw := &fakeRawStore{items: []RawItem{item}}
	out := newFakeDocStore()

	p := newTestPipeline(raw, out, testConfig())
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Second pass sees the same item again; the document is overwritten,
	// not duplicated.
	p2 := newTestPipeline(raw, out, testConfig())
	if _, err := p2.Run(context.Background()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if len(out.docs) != 1 {
		t.Errorf("stored docs = %d, expected 1", len(out.docs))
	}
}

func TestClosedItemEnrichmentIsIdempotent(t *testing.T) {
	item := stubItem("a", "alice", ts(1))
	raw := &fakeRawStore{items: []RawItem{item}}

	run := func() []byte {
		out := newFakeDocStore()
		p := newTestPipeline(raw, out, testConfig())
		if _, err := p.Run(context.Background()); err != nil {
			t.Fatalf("run failed: %v", err)
		}
		b, err := json.Marshal(out.docs["a"])
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		return b
	}

	first := run()
	second := run()
	if string(first) != string(second) {
		t.Errorf("re-enrichment produced a different document:\n%s\n%s", first, second)
	}
}

func TestProjectMerge(t *testing.T) {
	raw := &fakeRawStore{items: []RawItem{
		stubItem("a", "alice", ts(1)),
		{
			UUID:              "b",
			Origin:            "https://example.org/other",
			MetadataUpdatedOn: ts(2),
			MetadataTimestamp: ts(2),
			Data:              json.RawMessage(`{"login": "bob"}`),
		},
	}}
	out := newFakeDocStore()
	projects := staticProjects{"https://example.org/repo": "lemonldap"}

	p := newTestPipeline(raw, out, testConfig(), func(o *Options) { o.Projects = projects })
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got := out.docs["a"][FieldProject]; got != "lemonldap" {
		t.Errorf("project = %v, expected lemonldap", got)
	}
	// Unmatched origins get an explicit nil, not a missing key.
	v, present := out.docs["b"][FieldProject]
	if !present {
		t.Fatal("project key must be present for unmatched origins")
	}
	if v != nil {
		t.Errorf("project = %v, expected nil", v)
	}
}

func TestNoProjectFieldWithoutMap(t *testing.T) {
	raw := &fakeRawStore{items: []RawItem{stubItem("a", "alice", ts(1))}}
	out := newFakeDocStore()

	p := newTestPipeline(raw, out, testConfig())
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if _, present := out.docs["a"][FieldProject]; present {
		t.Error("project key must be absent when no map is configured")
	}
}

func TestIdentityEmbedding(t *testing.T) {
	raw := &fakeRawStore{items: []RawItem{stubItem("a", "alice", ts(1))}}
	out := newFakeDocStore()

	p := newTestPipeline(raw, out, testConfig())
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	doc := out.docs["a"]
	wantUUID := identity.UnmergedUUID(identity.Descriptor{Username: identity.Ptr("alice")})
	if got := doc["user_uuid"]; got != wantUUID {
		t.Errorf("user_uuid = %v, expected %s", got, wantUUID)
	}
	if got := doc["author_uuid"]; got != wantUUID {
		t.Errorf("author_uuid = %v, expected %s", got, wantUUID)
	}
	if got := doc["user_user_name"]; got != "alice" {
		t.Errorf("user_user_name = %v, expected alice", got)
	}
	// Raw mapped value stays alongside the canonical one.
	if got := doc["login"]; got != "alice" {
		t.Errorf("login = %v, expected alice", got)
	}
	if got := doc["user_org_name"]; got != nil {
		t.Errorf("user_org_name = %v, expected nil without a store", got)
	}
}

func TestResolutionFailureFallsBackWhenOptional(t *testing.T) {
	raw := &fakeRawStore{items: []RawItem{stubItem("a", "alice", ts(1))}}
	out := newFakeDocStore()

	p := newTestPipeline(raw, out, testConfig(), func(o *Options) {
		o.Resolver = identity.NewResolver(failingIdentityStore{}, nil, nil)
	})
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Enriched != 1 {
		t.Fatalf("enriched = %d, expected 1", report.Enriched)
	}

	wantUUID := identity.UnmergedUUID(identity.Descriptor{Username: identity.Ptr("alice")})
	if got := out.docs["a"]["user_uuid"]; got != wantUUID {
		t.Errorf("user_uuid = %v, expected unmerged fallback %s", got, wantUUID)
	}
}

func TestResolutionFailureFatalWhenRequired(t *testing.T) {
	raw := &fakeRawStore{items: []RawItem{stubItem("a", "alice", ts(1))}}
	out := newFakeDocStore()
	cfg := testConfig()
	cfg.IdentityRequired = true

	p := newTestPipeline(raw, out, cfg, func(o *Options) {
		o.Resolver = identity.NewResolver(failingIdentityStore{}, nil, nil)
	})
	_, err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected a fatal error")
	}
	if !errors.Is(err, pkgerrors.ErrResolution) {
		t.Errorf("expected a resolution error, got %v", err)
	}
	if len(out.docs) != 0 {
		t.Errorf("no documents expected, got %d", len(out.docs))
	}
}

func TestIncrementalCursorSkipsSeenItems(t *testing.T) {
	raw := &fakeRawStore{items: []RawItem{
		stubItem("a", "alice", ts(1)),
		stubItem("b", "bob", ts(5)),
		stubItem("c", "carol", ts(9)),
	}}
	out := newFakeDocStore()

	cfg := testConfig()
	cfg.Incremental = true

	// First pass sees everything.
	p := newTestPipeline(raw, out, cfg)
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if report.Fetched != 3 {
		t.Fatalf("fetched = %d, expected 3", report.Fetched)
	}

	// A new item past the cursor arrives; a second incremental pass only
	// fetches it.
	raw.items = append(raw.items, stubItem("d", "dan", ts(12)))
	p2 := newTestPipeline(raw, out, cfg)
	report, err = p2.Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if report.Fetched != 1 {
		t.Errorf("fetched = %d, expected 1", report.Fetched)
	}
	if len(out.docs) != 4 {
		t.Errorf("stored docs = %d, expected 4", len(out.docs))
	}
}

func TestSchemaConflictIsFatalBeforeWrites(t *testing.T) {
	raw := &fakeRawStore{items: []RawItem{stubItem("a", "alice", ts(1))}}
	out := newFakeDocStore()
	out.schemaConflict = true

	p := newTestPipeline(raw, out, testConfig())
	_, err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected a fatal error")
	}
	if !errors.Is(err, pkgerrors.ErrSchemaConflict) {
		t.Errorf("expected a schema conflict, got %v", err)
	}
	if out.upsertCalls != 0 {
		t.Errorf("no writes expected before the conflict, got %d upserts", out.upsertCalls)
	}
}

func TestTransientFlushErrorIsRetried(t *testing.T) {
	raw := &fakeRawStore{items: []RawItem{stubItem("a", "alice", ts(1))}}
	out := newFakeDocStore()
	out.transientLeft = 2

	p := newTestPipeline(raw, out, testConfig())
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Enriched != 1 {
		t.Errorf("enriched = %d, expected 1", report.Enriched)
	}
	if out.upsertCalls != 3 {
		t.Errorf("upsert calls = %d, expected 3 (two transient failures then success)", out.upsertCalls)
	}
}

func TestCancellationKeepsFlushedBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	raw := &fakeRawStore{
		items: []RawItem{
			stubItem("a", "alice", ts(1)),
			stubItem("b", "bob", ts(2)),
			stubItem("c", "carol", ts(3)),
			stubItem("d", "dan", ts(4)),
		},
		cancel: cancel,
		after:  2,
	}
	out := newFakeDocStore()
	cfg := testConfig()
	cfg.BatchSize = 2

	p := newTestPipeline(raw, out, cfg)
	_, err := p.Run(ctx)
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	// The batch flushed before cancellation stays committed.
	if len(out.docs) != 2 {
		t.Errorf("stored docs = %d, expected the 2 from the first batch", len(out.docs))
	}
}

func TestRefreshProjects(t *testing.T) {
	raw := &fakeRawStore{items: []RawItem{stubItem("a", "alice", ts(1))}}
	out := newFakeDocStore()

	p := newTestPipeline(raw, out, testConfig(), func(o *Options) {
		o.Projects = staticProjects{}
	})
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := out.docs["a"][FieldProject]; got != nil {
		t.Fatalf("project = %v, expected nil", got)
	}

	// The map gains the origin; a refresh back-fills the stored document.
	p2 := newTestPipeline(raw, out, testConfig(), func(o *Options) {
		o.Projects = staticProjects{"https://example.org/repo": "lemonldap"}
	})
	total, err := p2.RefreshProjects(context.Background())
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if total != 1 {
		t.Errorf("refreshed = %d, expected 1", total)
	}
	if got := out.docs["a"][FieldProject]; got != "lemonldap" {
		t.Errorf("project = %v, expected lemonldap", got)
	}
}

func TestRefreshIdentities(t *testing.T) {
	raw := &fakeRawStore{items: []RawItem{stubItem("a", "alice", ts(1))}}
	out := newFakeDocStore()

	p := newTestPipeline(raw, out, testConfig())
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	total, err := p.RefreshIdentities(context.Background())
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if total != 1 {
		t.Errorf("refreshed = %d, expected 1", total)
	}
	wantUUID := identity.UnmergedUUID(identity.Descriptor{Username: identity.Ptr("alice")})
	if got := out.docs["a"]["user_uuid"]; got != wantUUID {
		t.Errorf("user_uuid = %v, expected %s", got, wantUUID)
	}
}

func TestDaysBetween(t *testing.T) {
	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		to   time.Time
		want int
	}{
		{time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC), 0},
		{time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC), 1},
		{time.Date(2020, 1, 11, 23, 59, 0, 0, time.UTC), 10},
		{time.Date(2019, 12, 31, 0, 0, 0, 0, time.UTC), 0},
	}
	for _, tc := range cases {
		if got := DaysBetween(from, tc.to); got != tc.want {
			t.Errorf("DaysBetween(..., %s) = %d, expected %d", tc.to, got, tc.want)
		}
	}
}
