package accesses

import (
	"sort"
	"strings"
	"sync"
)

// AuditStoreID is the store carrying per-access audit trails.
const AuditStoreID = "_audit"

// ParseStoreID splits a stream id into its data store and store-local id.
// ":<storeId>:<rest>" parses to (storeId, rest); anything else is local.
func ParseStoreID(id string) (storeID, local string) {
	if strings.HasPrefix(id, ":") {
		if i := strings.Index(id[1:], ":"); i >= 0 {
			return id[1 : 1+i], id[i+2:]
		}
	}
	return LocalStoreID, id
}

// LogicConfig carries the operator- and deployment-level inputs of
// permission evaluation.
type LogicConfig struct {
	// AccountRootIDs are the roots whose subtrees require an explicit read
	// grant; each is seeded with a "none" tombstone so account data defaults
	// to forbidden.
	AccountRootIDs []string
	// StarStores are the store ids a local "*" permission propagates into.
	StarStores []string
	// SelfAuditEnabled grants the implicit audit-stream read permission
	// unless the access forbids selfAudit.
	SelfAuditEnabled bool
}

// Logic is the evaluated permission state of one access. Built once per
// access load and cached alongside it; all methods are safe for concurrent
// use.
type Logic struct {
	access *Access
	store  StreamStore

	streamPerms map[string]map[string]StreamPermission
	tagPerms    map[string]TagPermission
	features    map[Feature]FeaturePermission
	forced      []string
	forcedByStore map[string][]string

	mu       sync.Mutex
	resolved map[string]*Level
}

// NewLogic evaluates an access's permission list into a policy object.
func NewLogic(access *Access, store StreamStore, cfg LogicConfig) *Logic {
	l := &Logic{
		access:        access,
		store:         store,
		streamPerms:   make(map[string]map[string]StreamPermission),
		tagPerms:      make(map[string]TagPermission),
		features:      make(map[Feature]FeaturePermission),
		forcedByStore: make(map[string][]string),
		resolved:      make(map[string]*Level),
	}
	if access.IsPersonal() {
		// The personal token consults no permission list; the can* methods
		// short-circuit on it.
		return l
	}

	perms := make(Permissions, 0, len(cfg.AccountRootIDs)+len(access.Permissions)+2)
	// Account data defaults to forbidden: explicit grants override these.
	for _, root := range cfg.AccountRootIDs {
		perms = append(perms, StreamPermission{StreamID: root, Level: LevelNone})
	}
	perms = append(perms, access.Permissions...)

	for _, p := range perms {
		l.apply(p, cfg.StarStores)
	}

	if cfg.SelfAuditEnabled && !l.SelfAuditForbidden() {
		l.apply(StreamPermission{
			StreamID: ":" + AuditStoreID + ":access-" + access.ID,
			Level:    LevelRead,
		}, nil)
	}

	// Tag-unaware events stay visible to accesses that only carry stream
	// permissions.
	if len(l.tagPerms) == 0 && l.hasStreamPerms() {
		l.tagPerms["*"] = TagPermission{Tag: "*", Level: LevelRead}
	}
	return l
}

func (l *Logic) apply(p Permission, starStores []string) {
	switch perm := p.(type) {
	case StreamPermission:
		storeID, local := ParseStoreID(perm.StreamID)
		l.setStreamPerm(storeID, local, perm)
		if storeID == LocalStoreID && local == "*" {
			for _, st := range starStores {
				l.setStreamPerm(st, "*", perm)
			}
		}
	case TagPermission:
		// Level-monotonic merge: the higher grant wins.
		if existing, ok := l.tagPerms[perm.Tag]; !ok || perm.Level.rank() > existing.Level.rank() {
			l.tagPerms[perm.Tag] = perm
		}
	case FeaturePermission:
		l.features[perm.Feature] = perm
		if perm.Feature == FeatureForcedStreams {
			l.forced = append(l.forced, perm.Streams...)
			for _, id := range perm.Streams {
				storeID, local := ParseStoreID(id)
				l.forcedByStore[storeID] = append(l.forcedByStore[storeID], local)
			}
		}
	}
}

func (l *Logic) setStreamPerm(storeID, local string, perm StreamPermission) {
	m, ok := l.streamPerms[storeID]
	if !ok {
		m = make(map[string]StreamPermission)
		l.streamPerms[storeID] = m
	}
	m[local] = perm
}

func (l *Logic) hasStreamPerms() bool {
	for _, m := range l.streamPerms {
		if len(m) > 0 {
			return true
		}
	}
	return false
}

// Access returns the underlying record.
func (l *Logic) Access() *Access { return l.access }

// LevelFor resolves the effective level for a stream id:
// exact grant, else nearest granted ancestor, else the store's "*" grant —
// except for account streams, which never fall back to "*".
// Results are cached for the lifetime of the Logic instance.
func (l *Logic) LevelFor(streamID string) (Level, bool) {
	l.mu.Lock()
	if cached, ok := l.resolved[streamID]; ok {
		l.mu.Unlock()
		if cached == nil {
			return LevelNone, false
		}
		return *cached, true
	}
	l.mu.Unlock()

	level, found := l.resolve(streamID)

	l.mu.Lock()
	if found {
		lv := level
		l.resolved[streamID] = &lv
	} else {
		l.resolved[streamID] = nil
	}
	l.mu.Unlock()
	return level, found
}

func (l *Logic) resolve(streamID string) (Level, bool) {
	storeID, local := ParseStoreID(streamID)
	perms := l.streamPerms[storeID]

	if p, ok := perms[local]; ok {
		return p.Level, true
	}
	for _, ancestor := range l.store.Ancestors(storeID, local) {
		if p, ok := perms[ancestor]; ok {
			return p.Level, true
		}
	}
	if l.store.IsAccountStream(storeID, local) {
		// Account data requires an explicit grant.
		return LevelNone, false
	}
	if p, ok := perms["*"]; ok {
		return p.Level, true
	}
	return LevelNone, false
}

// --- stream predicates -------------------------------------------------

// CanListStream reports whether the stream itself may be listed.
func (l *Logic) CanListStream(streamID string) bool {
	if l.access.IsPersonal() {
		return true
	}
	level, ok := l.LevelFor(streamID)
	return ok && level.AtLeast(LevelRead)
}

// CanGetEventsOnStream reports whether events of the stream may be read.
// create-only explicitly denies reads.
func (l *Logic) CanGetEventsOnStream(streamID string) bool {
	if l.access.IsPersonal() {
		return true
	}
	level, ok := l.LevelFor(streamID)
	return ok && level.AtLeast(LevelRead) && level != LevelCreateOnly
}

// CanCreateEventsOnStream reports whether events may be created on the
// stream. create-only qualifies: creation is the one thing it allows.
func (l *Logic) CanCreateEventsOnStream(streamID string) bool {
	if l.access.IsPersonal() {
		return true
	}
	level, ok := l.LevelFor(streamID)
	return ok && level.AtLeast(LevelContribute)
}

// CanUpdateEventsOnStream reports whether existing events may be modified.
func (l *Logic) CanUpdateEventsOnStream(streamID string) bool {
	if l.access.IsPersonal() {
		return true
	}
	level, ok := l.LevelFor(streamID)
	return ok && level.AtLeast(LevelContribute) && level != LevelCreateOnly
}

// CanCreateChildOnStream reports whether child streams may be created.
func (l *Logic) CanCreateChildOnStream(streamID string) bool {
	return l.canManage(streamID)
}

// CanUpdateStream reports whether the stream itself may be modified.
func (l *Logic) CanUpdateStream(streamID string) bool { return l.canManage(streamID) }

// CanDeleteStream reports whether the stream itself may be deleted.
func (l *Logic) CanDeleteStream(streamID string) bool { return l.canManage(streamID) }

func (l *Logic) canManage(streamID string) bool {
	if l.access.IsPersonal() {
		return true
	}
	level, ok := l.LevelFor(streamID)
	return ok && level.AtLeast(LevelManage) && level != LevelCreateOnly
}

// --- tag predicates ----------------------------------------------------

// CanGetEventsWithAnyTag reports whether tag filtering is wide open.
func (l *Logic) CanGetEventsWithAnyTag() bool {
	if l.access.IsPersonal() {
		return true
	}
	p, ok := l.tagPerms["*"]
	return ok && p.Level.AtLeast(LevelRead) && p.Level != LevelCreateOnly
}

// CanGetEventsWithTag reports whether events carrying the tag may be read.
func (l *Logic) CanGetEventsWithTag(tag string) bool {
	if l.access.IsPersonal() {
		return true
	}
	if p, ok := l.tagPerms[tag]; ok {
		return p.Level.AtLeast(LevelRead) && p.Level != LevelCreateOnly
	}
	return l.CanGetEventsWithAnyTag()
}

// CanGetEventsOnStreamAndWithTags composes the stream grant with the tag
// grants: the stream must be readable AND either tags are wide open or one
// of the given tags is individually allowed.
func (l *Logic) CanGetEventsOnStreamAndWithTags(streamID string, tags []string) bool {
	if l.access.IsPersonal() {
		return true
	}
	if !l.CanGetEventsOnStream(streamID) {
		return false
	}
	if l.CanGetEventsWithAnyTag() {
		return true
	}
	for _, tag := range tags {
		if p, ok := l.tagPerms[tag]; ok && p.Level.AtLeast(LevelRead) && p.Level != LevelCreateOnly {
			return true
		}
	}
	return false
}

// --- features ----------------------------------------------------------

// SelfRevokeForbidden reports whether the access may not delete itself.
func (l *Logic) SelfRevokeForbidden() bool {
	p, ok := l.features[FeatureSelfRevoke]
	return ok && p.Setting == SettingForbidden
}

// SelfAuditForbidden reports whether the access opted out of its audit
// stream.
func (l *Logic) SelfAuditForbidden() bool {
	p, ok := l.features[FeatureSelfAudit]
	return ok && p.Setting == SettingForbidden
}

// ReadableStreams returns the stream ids carrying a read-capable grant, in
// their original (possibly store-prefixed) form. Personal accesses read
// everything and return nil; callers short-circuit on IsPersonal first.
func (l *Logic) ReadableStreams() []string {
	var out []string
	for storeID, perms := range l.streamPerms {
		for local, p := range perms {
			if !p.Level.AtLeast(LevelRead) || p.Level == LevelCreateOnly {
				continue
			}
			if storeID == LocalStoreID {
				out = append(out, local)
			} else {
				out = append(out, ":"+storeID+":"+local)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ForcedStreams returns the stream ids appended to every event this access
// creates, in their original (possibly store-prefixed) form.
func (l *Logic) ForcedStreams() []string { return l.forced }

// ForcedStreamsFor returns the store-local forced stream ids for one store.
func (l *Logic) ForcedStreamsFor(storeID string) []string { return l.forcedByStore[storeID] }
