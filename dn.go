package replication

import (
	"strings"
)

// splitDN splits dn into its RDNs, honouring backslash escapes.
func splitDN(dn string) []string {
	var (
		parts []string
		start int
		esc   bool
	)
	for i := 0; i < len(dn); i++ {
		switch {
		case esc:
			esc = false
		case dn[i] == '\\':
			esc = true
		case dn[i] == ',':
			parts = append(parts, strings.TrimSpace(dn[start:i]))
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(dn[start:]); rest != "" || len(parts) > 0 {
		parts = append(parts, rest)
	}
	return parts
}

// NormalizeDN lowercases dn and removes insignificant spaces so that two
// spellings of the same name compare equal.
func NormalizeDN(dn string) string {
	parts := splitDN(dn)
	for i, p := range parts {
		avas := strings.Split(p, "+")
		for j, ava := range avas {
			if k := strings.IndexByte(ava, '='); k >= 0 {
				ava = strings.TrimSpace(ava[:k]) + "=" + strings.TrimSpace(ava[k+1:])
			}
			avas[j] = strings.ToLower(strings.TrimSpace(ava))
		}
		parts[i] = strings.Join(avas, "+")
	}
	return strings.Join(parts, ",")
}

// LeadingRDN returns the first RDN of dn.
func LeadingRDN(dn string) string {
	parts := splitDN(dn)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// ParentDN returns dn without its leading RDN.
func ParentDN(dn string) string {
	parts := splitDN(dn)
	if len(parts) <= 1 {
		return ""
	}
	return strings.Join(parts[1:], ",")
}

// JoinDN builds a DN from an RDN and a parent DN.
func JoinDN(rdn, parent string) string {
	if parent == "" {
		return rdn
	}
	return rdn + "," + parent
}

// SplitRDN returns the attribute and value of the first AVA of rdn.
func SplitRDN(rdn string) (attr, value string, ok bool) {
	ava := rdn
	if i := strings.IndexByte(rdn, '+'); i >= 0 {
		ava = rdn[:i]
	}
	k := strings.IndexByte(ava, '=')
	if k <= 0 || k == len(ava)-1 {
		return "", "", false
	}
	return strings.TrimSpace(ava[:k]), strings.TrimSpace(ava[k+1:]), true
}

// IsDescendant reports whether dn is at or below base.
func IsDescendant(dn, base string) bool {
	dn, base = NormalizeDN(dn), NormalizeDN(base)
	return dn == base || strings.HasSuffix(dn, ","+base)
}

// ConflictDN is where an entry that lost a naming conflict is moved:
// nsuniqueid=<uid>+<rdn>,<parent>.
func ConflictDN(uniqueID, dn string) string {
	return JoinDN(AttrUniqueID+"="+uniqueID+"+"+LeadingRDN(dn), ParentDN(dn))
}

// TombstoneDN is where a tombstone displaced by a new entry is moved:
// nsuniqueid=<uid>,<dn>.
func TombstoneDN(uniqueID, dn string) string {
	return JoinDN(AttrUniqueID+"="+uniqueID, dn)
}

// KeepAliveDN names the entry a supplier rewrites periodically to advance
// its element in every consumer RUV.
func KeepAliveDN(id ReplicaID, suffix string) string {
	return JoinDN("cn=repl keep alive "+id.String(), suffix)
}
