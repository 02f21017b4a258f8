package keys

import "time"

// Snapshot es una vista inmutable del registro. Los lectores (verificación) la
// obtienen sin locks; los escritores publican una nueva con un swap atómico.
type Snapshot struct {
	Primary   *SigningKey
	Secondary *SigningKey
	Retiring  []*SigningKey
	Revision  uint64
}

// Lookup busca un kid entre primaria, secundaria y retiring.
func (s *Snapshot) Lookup(kid string) (*SigningKey, bool) {
	if s == nil || kid == "" {
		return nil, false
	}
	if s.Primary != nil && s.Primary.KID == kid {
		return s.Primary, true
	}
	if s.Secondary != nil && s.Secondary.KID == kid {
		return s.Secondary, true
	}
	for _, k := range s.Retiring {
		if k.KID == kid {
			return k, true
		}
	}
	return nil, false
}

// Trusted retorna las claves que hoy verifican: primaria, secundaria y las
// retiring cuyo período de gracia no venció.
func (s *Snapshot) Trusted(now time.Time) []*SigningKey {
	if s == nil {
		return nil
	}
	out := make([]*SigningKey, 0, 2+len(s.Retiring))
	if s.Primary != nil {
		out = append(out, s.Primary)
	}
	if s.Secondary != nil {
		out = append(out, s.Secondary)
	}
	for _, k := range s.Retiring {
		if now.Before(k.PurgeAfter) {
			out = append(out, k)
		}
	}
	return out
}

func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{Revision: s.Revision}
	if s.Primary != nil {
		cp := *s.Primary
		next.Primary = &cp
	}
	if s.Secondary != nil {
		cp := *s.Secondary
		next.Secondary = &cp
	}
	for _, k := range s.Retiring {
		cp := *k
		next.Retiring = append(next.Retiring, &cp)
	}
	return next
}
