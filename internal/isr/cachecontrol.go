package isr

import (
	"fmt"
	"time"

	"edgerouter/internal/edge"
	"edgerouter/internal/manifest"
)

// Status is the value of the cache diagnostic header.
type Status string

const (
	StatusHit   Status = "HIT"
	StatusStale Status = "STALE"
	StatusError Status = "ERROR"
)

const (
	oneYear  = 31536000
	oneMonth = 2592000
)

// Freshness is the outcome of the freshness computation for one entry.
type Freshness struct {
	CacheControl string
	Status       Status
	SMaxAge      int
}

// Stale reports whether the entry must be regenerated in the background.
func (f Freshness) Stale() bool { return f.Status == StatusStale }

// ComputeFreshness classifies an entry from its revalidate policy and age.
// An unset policy is treated as never.
func ComputeFreshness(rev manifest.Revalidate, lastModified, now time.Time) Freshness {
	switch {
	case !rev.Set || rev.Never:
		return Freshness{
			CacheControl: fmt.Sprintf("s-maxage=%d, stale-while-revalidate=%d", oneYear, oneMonth),
			Status:       StatusHit,
			SMaxAge:      oneYear,
		}
	case rev.Seconds == 0:
		return Freshness{CacheControl: edge.NoCacheControl, Status: StatusError}
	}

	age := int(now.Sub(lastModified) / time.Second)
	sMaxAge := rev.Seconds - age
	if sMaxAge < 1 {
		sMaxAge = 1
	}
	status := StatusHit
	if sMaxAge == 1 {
		status = StatusStale
	}
	return Freshness{
		CacheControl: fmt.Sprintf("s-maxage=%d, stale-while-revalidate=%d", sMaxAge, oneMonth),
		Status:       status,
		SMaxAge:      sMaxAge,
	}
}
