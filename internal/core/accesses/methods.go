package accesses

import "strings"

// Method-level gating: some API methods are reserved to specific access
// types regardless of permissions. The full method list lives with the
// routing surface; this table holds the type restrictions.

var personalOnlyPrefixes = []string{
	"account.",
	"followedSlices.",
	"profile.",
}

var personalOnlyMethods = map[string]struct{}{
	"accesses.checkApp": {},
}

var nonSharedMethods = map[string]struct{}{
	"accesses.get":    {},
	"accesses.create": {},
}

var nonPersonalMethods = map[string]struct{}{
	"webhooks.create": {},
}

// Can reports whether the access type may call the method at all.
// Permission checks on the method's targets come on top of this.
func (l *Logic) Can(methodID string) bool {
	if _, ok := nonPersonalMethods[methodID]; ok && l.access.Type == TypePersonal {
		return false
	}
	if l.access.Type == TypePersonal {
		return true
	}
	if _, ok := personalOnlyMethods[methodID]; ok {
		return false
	}
	for _, prefix := range personalOnlyPrefixes {
		if strings.HasPrefix(methodID, prefix) {
			return false
		}
	}
	if _, ok := nonSharedMethods[methodID]; ok && l.access.Type == TypeShared {
		return false
	}
	return true
}
