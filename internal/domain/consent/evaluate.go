package consent

import "time"

// Evaluate checks an access request against a set of consent policies.
//
// Only active consents count. A provision must match the request on every
// dimension it restricts (actor, resource class, purpose, security labels,
// provision period, data period); an empty dimension restricts nothing. Any
// matching deny wins over any matching permit; nothing matching yields
// DecisionNoConsent.
func Evaluate(policies []*Consent, req AccessRequest) Decision {
	at := req.AccessTime
	if at.IsZero() {
		at = time.Now().UTC()
	}

	hasPermit := false
	hasDeny := false
	for _, c := range policies {
		if c == nil || c.Status != StatusActive {
			continue
		}
		if !provisionMatches(&c.Provision, &req, at) {
			continue
		}
		switch c.Provision.Type {
		case "deny":
			hasDeny = true
		case "permit":
			hasPermit = true
		}
	}

	if hasDeny {
		return DecisionDeny
	}
	if hasPermit {
		return DecisionPermit
	}
	return DecisionNoConsent
}

func provisionMatches(prov *Provision, req *AccessRequest, at time.Time) bool {
	if !prov.Period.Contains(at) {
		return false
	}
	if len(prov.Actors) > 0 && !actorListed(prov.Actors, req.ActorReference) {
		return false
	}
	if len(prov.ResourceClasses) > 0 && !containsString(prov.ResourceClasses, req.ResourceType) {
		return false
	}
	if len(prov.Purposes) > 0 && !containsString(prov.Purposes, req.Purpose) {
		return false
	}
	if len(prov.SecurityLabels) > 0 && !anyOverlap(prov.SecurityLabels, req.SecurityLabels) {
		return false
	}
	if !prov.DataPeriod.Contains(at) {
		return false
	}
	return true
}

func actorListed(actors []Actor, ref string) bool {
	for _, a := range actors {
		if a.Reference == ref {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func anyOverlap(want, have []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, l := range have {
		set[l] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

// actorsOverlap reports whether two actor restrictions cover at least one
// common party. An empty restriction is a wildcard.
func actorsOverlap(a, b []Actor) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	for _, x := range a {
		for _, y := range b {
			if x.Reference == y.Reference {
				return true
			}
		}
	}
	return false
}
