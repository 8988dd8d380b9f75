package systemstreams

import (
	"fmt"
	"sort"
)

// CustomStream is an operator-declared catalogue entry, as it appears in the
// configuration file before defaults and prefixing are applied.
type CustomStream struct {
	ID                     string      `yaml:"id" json:"id"`
	Name                   string      `yaml:"name" json:"name"`
	Type                   string      `yaml:"type" json:"type"`
	IsIndexed              bool        `yaml:"isIndexed" json:"isIndexed"`
	IsUnique               bool        `yaml:"isUnique" json:"isUnique"`
	IsShown                *bool       `yaml:"isShown" json:"isShown"`
	IsEditable             *bool       `yaml:"isEditable" json:"isEditable"`
	IsRequiredInValidation bool        `yaml:"isRequiredInValidation" json:"isRequiredInValidation"`
	RegexValidation        string      `yaml:"regexValidation" json:"regexValidation"`
	Default                interface{} `yaml:"default" json:"default"`
}

// Config is the operator-facing part of the catalogue.
type Config struct {
	// Account streams inherit full account semantics (uniqueness, indexing,
	// registration validation).
	Account []CustomStream `yaml:"account"`
	// Other streams hold free-form per-user system data and must stay
	// non-unique, non-indexed, editable, shown and optional.
	Other []CustomStream `yaml:"other"`
	// BackwardCompatibilityPrefix relaxes the duplicate check on unprefixed
	// ids, for deployments that predate the prefix scheme.
	BackwardCompatibilityPrefix bool `yaml:"backwardCompatibilityPrefix"`
}

// Catalogue is the immutable tree of system streams plus its memoised
// derived sets. Built once at startup; any validation failure is fatal.
type Catalogue struct {
	roots   []*SystemStream
	byID    map[string]*SystemStream
	account map[string]*SystemStream

	readable map[string]*SystemStream
	editable map[string]*SystemStream

	indexedIDs          []string
	uniqueIDs           []string
	forbiddenForReading []string
	forbiddenForEditing []string
	leaves              []*SystemStream
	accountRootIDs      []string
	registration        []*SystemStream
}

const (
	accountRootID = ReservedPrefix + "account"
	helpersRootID = ReservedPrefix + "helpers"
	otherRootID   = ReservedPrefix + "other"

	// PasswordHashStream is declared in the catalogue but its value lives in
	// the account storage, never as an event.
	PasswordHashStream = ReservedPrefix + "passwordHash"
	// UsernameStream holds the one immutable account attribute every user has.
	UsernameStream = ReservedPrefix + "username"
)

func builtin(id, typ string, mutate func(*SystemStream)) *SystemStream {
	s := &SystemStream{
		ID:         EnsureReservedPrefix(id),
		Name:       id,
		Type:       typ,
		IsShown:    true,
		IsEditable: true,
		Created:    UnknownDate,
		CreatedBy:  systemUser,
		Modified:   UnknownDate,
		ModifiedBy: systemUser,
	}
	if mutate != nil {
		mutate(s)
	}
	return s
}

func builtinRoots() []*SystemStream {
	account := builtin("account", "none/none", nil)
	account.Children = []*SystemStream{
		builtin("username", "identifier/string", func(s *SystemStream) {
			s.IsIndexed = true
			s.IsUnique = true
			s.IsEditable = false
			s.IsRequiredInValidation = true
		}),
		builtin("language", "language/iso-639-1", func(s *SystemStream) {
			s.IsIndexed = true
			s.Default = "en"
			s.RegexValidation = `^[a-zA-Z]{1,5}$`
		}),
		builtin("appId", "identifier/string", func(s *SystemStream) {
			s.IsIndexed = true
			s.IsEditable = false
			s.IsShown = false
		}),
		builtin("invitationToken", "token/string", func(s *SystemStream) {
			s.IsIndexed = true
			s.IsEditable = false
			s.IsShown = false
			s.Default = "no-token"
		}),
		builtin("referer", "identifier/string", func(s *SystemStream) {
			s.IsIndexed = true
			s.IsEditable = false
			s.IsShown = false
		}),
		builtin("storageUsed", "data-quantity/b", func(s *SystemStream) {
			s.IsEditable = false
			s.Children = []*SystemStream{
				builtin("dbDocuments", "data-quantity/b", func(c *SystemStream) { c.IsEditable = false }),
				builtin("attachedFiles", "data-quantity/b", func(c *SystemStream) { c.IsEditable = false }),
			}
		}),
		builtin("passwordHash", "password-hash/string", func(s *SystemStream) {
			s.IsShown = false
			s.IsEditable = false
			s.IsRequiredInValidation = true
		}),
	}

	helpers := builtin("helpers", "none/none", nil)
	helpers.Children = []*SystemStream{
		// Markers keep their bare ids: they tag events, they never hold data.
		{
			ID: ActiveMarker, Name: "active", Type: "identifier/string",
			IsShown: true, IsEditable: false,
			Created: UnknownDate, CreatedBy: systemUser,
			Modified: UnknownDate, ModifiedBy: systemUser,
		},
		{
			ID: UniqueMarker, Name: "unique", Type: "identifier/string",
			IsShown: true, IsEditable: false,
			Created: UnknownDate, CreatedBy: systemUser,
			Modified: UnknownDate, ModifiedBy: systemUser,
		},
	}

	other := builtin("other", "none/none", nil)

	return []*SystemStream{account, helpers, other}
}

func fromCustom(c CustomStream) *SystemStream {
	s := &SystemStream{
		ID:                     EnsureCustomerPrefix(c.ID),
		Name:                   c.Name,
		Type:                   c.Type,
		IsIndexed:              c.IsIndexed,
		IsUnique:               c.IsUnique,
		IsShown:                true,
		IsEditable:             true,
		IsRequiredInValidation: c.IsRequiredInValidation,
		RegexValidation:        c.RegexValidation,
		Default:                c.Default,
		Created:                UnknownDate,
		CreatedBy:              systemUser,
		Modified:               UnknownDate,
		ModifiedBy:             systemUser,
	}
	if s.Name == "" {
		s.Name = c.ID
	}
	if c.IsShown != nil {
		s.IsShown = *c.IsShown
	}
	if c.IsEditable != nil {
		s.IsEditable = *c.IsEditable
	}
	return s
}

// Build assembles and validates the catalogue.
func Build(cfg Config) (*Catalogue, error) {
	roots := builtinRoots()
	accountRoot, otherRoot := roots[0], roots[2]

	for _, c := range cfg.Account {
		accountRoot.Children = append(accountRoot.Children, fromCustom(c))
	}
	for _, c := range cfg.Other {
		s := fromCustom(c)
		if err := validateOther(s); err != nil {
			return nil, err
		}
		otherRoot.Children = append(otherRoot.Children, s)
	}

	cat := &Catalogue{
		roots:    roots,
		byID:     make(map[string]*SystemStream),
		account:  make(map[string]*SystemStream),
		readable: make(map[string]*SystemStream),
		editable: make(map[string]*SystemStream),
	}

	seenNoPrefix := make(map[string]struct{})
	for _, root := range roots {
		if err := cat.index(root, "", seenNoPrefix, cfg.BackwardCompatibilityPrefix); err != nil {
			return nil, err
		}
	}
	cat.accountRootIDs = []string{accountRootID, helpersRootID}
	cat.derive()
	return cat, nil
}

// index validates one node, wires its parent and registers it in the lookup
// maps, then recurses over children.
func (c *Catalogue) index(s *SystemStream, parentID string, seenNoPrefix map[string]struct{}, bcPrefix bool) error {
	if err := validate(s); err != nil {
		return err
	}
	s.ParentID = parentID

	if _, dup := c.byID[s.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateStreamID, s.ID)
	}
	c.byID[s.ID] = s

	if !bcPrefix && !IsMarker(s.ID) {
		bare := WithoutPrefix(s.ID)
		if _, dup := seenNoPrefix[bare]; dup {
			return fmt.Errorf("%w: %s (without prefix)", ErrDuplicateStreamID, bare)
		}
		seenNoPrefix[bare] = struct{}{}
	}

	for _, child := range s.Children {
		if err := c.index(child, s.ID, seenNoPrefix, bcPrefix); err != nil {
			return err
		}
	}
	return nil
}

func validate(s *SystemStream) error {
	if s.ID == "" || s.Type == "" {
		return &InvalidStreamError{ID: s.ID, Reason: "id and type are required"}
	}
	if len(WithoutPrefix(s.ID)) < 2 && !IsMarker(s.ID) {
		return &InvalidStreamError{ID: s.ID, Reason: "id must be at least 2 characters"}
	}
	if !TypeRegexp.MatchString(s.Type) {
		return &InvalidStreamError{ID: s.ID, Reason: fmt.Sprintf("type %q does not match %s", s.Type, TypeRegexp)}
	}
	if s.IsUnique && !s.IsIndexed {
		return &InvalidStreamError{ID: s.ID, Reason: "a unique stream must be indexed"}
	}
	return nil
}

func validateOther(s *SystemStream) error {
	switch {
	case s.IsUnique:
		return &InvalidCustomStreamError{ID: s.ID, Reason: "streams outside account cannot be unique"}
	case s.IsIndexed:
		return &InvalidCustomStreamError{ID: s.ID, Reason: "streams outside account cannot be indexed"}
	case !s.IsEditable:
		return &InvalidCustomStreamError{ID: s.ID, Reason: "streams outside account must stay editable"}
	case s.IsRequiredInValidation:
		return &InvalidCustomStreamError{ID: s.ID, Reason: "streams outside account cannot be required at registration"}
	case !s.IsShown:
		return &InvalidCustomStreamError{ID: s.ID, Reason: "streams outside account must be shown"}
	}
	return nil
}

// derive precomputes every read-only query. The catalogue never changes after
// Build, so these are plain fields.
func (c *Catalogue) derive() {
	c.collectAccount(c.byID[accountRootID])

	var ids []string
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		s := c.byID[id]
		if s.IsShown {
			c.readable[id] = s
		} else {
			c.forbiddenForReading = append(c.forbiddenForReading, id)
		}
		if s.IsEditable {
			c.editable[id] = s
		} else {
			c.forbiddenForEditing = append(c.forbiddenForEditing, id)
		}
		if len(s.Children) == 0 {
			c.leaves = append(c.leaves, s)
		}
		if c.account[id] != nil {
			if s.IsIndexed {
				c.indexedIDs = append(c.indexedIDs, WithoutPrefix(id))
			}
			if s.IsUnique {
				c.uniqueIDs = append(c.uniqueIDs, WithoutPrefix(id))
			}
			if id != accountRootID && id != PasswordHashStream && len(s.Children) == 0 {
				c.registration = append(c.registration, s)
			}
		}
	}
}

func (c *Catalogue) collectAccount(root *SystemStream) {
	c.account[root.ID] = root
	for _, child := range root.Children {
		c.collectAccount(child)
	}
}

// Get returns the stream for a prefixed id.
func (c *Catalogue) Get(id string) (*SystemStream, error) {
	if s, ok := c.byID[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownStream, id)
}

// Exists reports whether id names a catalogue stream.
func (c *Catalogue) Exists(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// Roots returns the catalogue roots (account, helpers, other).
func (c *Catalogue) Roots() []*SystemStream { return c.roots }

// IsAccountStream reports whether id lives under the account root.
func (c *Catalogue) IsAccountStream(id string) bool {
	_, ok := c.account[id]
	return ok
}

// AccountMap returns every stream under the account root, keyed by prefixed id.
func (c *Catalogue) AccountMap() map[string]*SystemStream { return c.account }

// ReadableMap returns the shown streams, keyed by prefixed id.
func (c *Catalogue) ReadableMap() map[string]*SystemStream { return c.readable }

// EditableMap returns the editable streams, keyed by prefixed id.
func (c *Catalogue) EditableMap() map[string]*SystemStream { return c.editable }

// IndexedIDs returns the account streams replicated to the service-register,
// without prefix.
func (c *Catalogue) IndexedIDs() []string { return c.indexedIDs }

// UniqueIDs returns the account streams enforced unique cluster-wide,
// without prefix.
func (c *Catalogue) UniqueIDs() []string { return c.uniqueIDs }

// ForbiddenForReading returns prefixed ids of streams hidden from clients.
func (c *Catalogue) ForbiddenForReading() []string { return c.forbiddenForReading }

// ForbiddenForEditing returns prefixed ids of streams clients may not modify.
func (c *Catalogue) ForbiddenForEditing() []string { return c.forbiddenForEditing }

// Leaves returns the streams without children.
func (c *Catalogue) Leaves() []*SystemStream { return c.leaves }

// AccountRootIDs returns the root streams whose subtree requires an explicit
// read grant; access logic seeds a "none" tombstone for each.
func (c *Catalogue) AccountRootIDs() []string { return c.accountRootIDs }

// RegistrationStreams returns the account leaves that receive an event at
// registration (passwordHash excluded: the hash lives in account storage).
func (c *Catalogue) RegistrationStreams() []*SystemStream { return c.registration }

// Ancestors returns the chain of parent ids from id (excluded) to its root,
// nearest first. Unknown ids have no ancestors.
func (c *Catalogue) Ancestors(id string) []string {
	var out []string
	s, ok := c.byID[id]
	if !ok {
		return nil
	}
	for s.ParentID != "" {
		out = append(out, s.ParentID)
		s = c.byID[s.ParentID]
	}
	return out
}

// IsUnique reports whether the prefixed id names a unique account stream.
func (c *Catalogue) IsUnique(id string) bool {
	s, ok := c.account[id]
	return ok && s.IsUnique
}

// IsIndexed reports whether the prefixed id names an indexed account stream.
func (c *Catalogue) IsIndexed(id string) bool {
	s, ok := c.account[id]
	return ok && s.IsIndexed
}
