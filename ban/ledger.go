// Package ban keeps track of the standing of remote IPs: how many strikes
// they have accumulated, and whether they are currently banned. It contains
// no locking; the ledger is meant to be owned by a single goroutine.
package ban

import (
	"net"
	"time"
)

// A Sinner is the record of one IP's misbehavior. It is either striked with
// a count, or banned since a point in time. The ban timestamp is kept
// separately from the count because expiry needs it; a ban is never encoded
// as a strike count past the limit.
type Sinner struct {
	banned   bool
	strikes  int
	bannedAt time.Time
}

// Banned returns true if the sinner is in the banned state. It does not
// check expiry; that's the ledger's job.
func (sinner *Sinner) Banned() bool {
	return sinner.banned
}

// Strikes returns the current strike count, or 0 for a banned sinner.
func (sinner *Sinner) Strikes() int {
	if sinner.banned {
		return 0
	}

	return sinner.strikes
}

// A Ledger maps IPs to their sinner records. Records are created lazily on
// the first strike or forgiveness, and expired bans are only demoted when
// the IP is next looked at.
type Ledger struct {
	limit    int
	banLimit time.Duration
	sinners  map[string]*Sinner
}

// NewLedger creates an empty ledger that bans an IP once it would exceed
// limit strikes, for banLimit at a time.
func NewLedger(limit int, banLimit time.Duration) *Ledger {
	return &Ledger{
		limit:    limit,
		banLimit: banLimit,
		sinners:  make(map[string]*Sinner, 16),
	}
}

// Strike records one infraction against the IP and returns true if the IP
// is banned after it. A strike against an IP already at the limit turns
// into a ban stamped with now; a strike against an already banned IP
// changes nothing and still returns true.
func (ledger *Ledger) Strike(ip net.IP, now time.Time) (banned bool) {
	sinner := ledger.sinner(ip)

	if sinner.banned {
		return true
	}

	if sinner.strikes >= ledger.limit {
		sinner.banned = true
		sinner.bannedAt = now
		sinner.strikes = 0

		return true
	}

	sinner.strikes++
	return false
}

// Forgive resets the IP to zero strikes, creating the record if it does not
// exist yet. Forgiving a banned IP lifts the ban.
func (ledger *Ledger) Forgive(ip net.IP) {
	sinner := ledger.sinner(ip)
	sinner.banned = false
	sinner.strikes = 0
	sinner.bannedAt = time.Time{}
}

// Remaining reports whether the IP is actively banned at now, and if so how
// much ban time is left. A ban that has run out is demoted to zero strikes
// on the spot, so the next Strike starts a fresh count.
func (ledger *Ledger) Remaining(ip net.IP, now time.Time) (left time.Duration, banned bool) {
	sinner, ok := ledger.sinners[ip.String()]
	if !ok || !sinner.banned {
		return 0, false
	}

	elapsed := now.Sub(sinner.bannedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	if elapsed >= ledger.banLimit {
		ledger.Forgive(ip)
		return 0, false
	}

	return ledger.banLimit - elapsed, true
}

// Sinner returns the record for the IP, or nil if the IP has never sinned.
func (ledger *Ledger) Sinner(ip net.IP) *Sinner {
	return ledger.sinners[ip.String()]
}

func (ledger *Ledger) sinner(ip net.IP) *Sinner {
	key := ip.String()

	sinner, ok := ledger.sinners[key]
	if !ok {
		sinner = &Sinner{}
		ledger.sinners[key] = sinner
	}

	return sinner
}
