// Package infra implements the host-info store (§4.2): per-(address, zone)
// server state backing round-trip estimation, EDNS capability tracking,
// lameness, and DNS cookies (RFC 7873). It is built on pkg/shardmap for
// sharding/eviction and pkg/rtt for round-trip smoothing.
package infra

import (
	"context"
	"crypto/rand"
	"net/netip"
	"strings"

	"infracache/pkg/rtt"
	"infracache/pkg/shardmap"
	"infracache/pkg/telemetry"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
)

// CookieStateKind is the DNS cookie state machine (§4.7).
type CookieStateKind int

const (
	CookieUnknown CookieStateKind = iota
	CookieLearned
	CookieNotSupported
)

func (s CookieStateKind) String() string {
	switch s {
	case CookieLearned:
		return "learned"
	case CookieNotSupported:
		return "not_supported"
	default:
		return "unknown"
	}
}

// Cookie holds the client/server halves of an RFC 7873 DNS cookie.
type Cookie struct {
	State          CookieStateKind
	ClientBytes    [8]byte
	ServerBytes    []byte // 8..16 bytes once learned
	BoundInterface []byte
}

// HostKey identifies a single upstream server for a single zone. Two keys
// compare equal iff the address (including port) is byte-identical and the
// zone names are equal under case-insensitive DNS label comparison; Zone is
// stored pre-canonicalised so Go's built-in struct equality does the right
// thing as a map key.
type HostKey struct {
	Addr netip.AddrPort
	Zone string
}

// HostData is the per-(address, zone) state. It is owned exclusively by
// its shardmap entry and must only be mutated under that entry's write
// lock.
type HostData struct {
	TTLDeadline   int64
	RTT           rtt.Record
	EDNSVersion   int16
	EDNSLameKnown bool
	ProbeDelay    int64
	Cookie        Cookie

	DNSSECLame    bool
	RecursionLame bool
	LameForA      bool
	LameForOther  bool

	TimeoutA     uint8
	TimeoutAAAA  uint8
	TimeoutOther uint8
}

// Config configures a Store's sizing and probing policy; it is a plain
// copy of the relevant config.InfraConfig fields so this package does not
// need to import pkg/config.
type Config struct {
	NumHosts    int
	Slabs       int
	HostTTLSecs int64
	KeepProbing bool
}

const hostEntryBaseSize = 128 // struct fields + shardmap per-entry lock overhead

// Store is the host-info store: a sharded, TTL-aware map from HostKey to
// HostData.
type Store struct {
	m           *shardmap.Map[HostKey, HostData]
	hostTTLSecs int64
	keepProbing bool
	metrics     *telemetry.Metrics
}

// SetMetrics attaches the telemetry instruments the store's operations
// record against, matching the donor's handler.SetMetrics(metrics) wiring
// pattern. A Store with no metrics attached simply skips recording.
func (s *Store) SetMetrics(metrics *telemetry.Metrics) {
	s.metrics = metrics
}

// NewStore creates a Store sized per cfg. The byte budget is NumHosts
// multiplied by an estimate of the per-entry cost, per infra_cache_numhosts.
func NewStore(cfg Config) *Store {
	budget := cfg.NumHosts * hostEntryBaseSize
	if budget <= 0 {
		budget = hostEntryBaseSize
	}
	return &Store{
		m:           shardmap.New[HostKey, HostData](cfg.Slabs, budget, hashHostKey),
		hostTTLSecs: cfg.HostTTLSecs,
		keepProbing: cfg.KeepProbing,
	}
}

func hashHostKey(k HostKey) uint64 {
	return xxhash.Sum64String(k.Addr.String() + "|" + k.Zone)
}

func (s *Store) sizeFn(key HostKey, data HostData) int {
	return hostEntryBaseSize + len(key.Zone) + len(data.Cookie.ServerBytes) + len(data.Cookie.BoundInterface)
}

// CanonicalZone lowercases and FQDN-normalises a zone name so two spellings
// of the same name produce the same HostKey.
func CanonicalZone(zone string) string {
	return strings.ToLower(dns.Fqdn(zone))
}

func (s *Store) key(addr netip.AddrPort, zone string) HostKey {
	return HostKey{Addr: addr, Zone: CanonicalZone(zone)}
}

func (s *Store) newHostData(now int64) HostData {
	var clientBytes [8]byte
	_, _ = rand.Read(clientBytes[:]) // crypto/rand is safe for concurrent use

	return HostData{
		TTLDeadline: now + s.hostTTLSecs,
		RTT:         rtt.New(rtt.MinTimeout),
		EDNSVersion: 0,
		Cookie: Cookie{
			State:       CookieUnknown,
			ClientBytes: clientBytes,
		},
	}
}

// reinit re-initialises an entry per invariant 3: everything is reset
// except the TTL deadline (set fresh), the client cookie half, and — when
// the server had been penalised to USEFUL_SERVER_TOP_TIMEOUT or worse —
// the RTO, probedelay and timeout counters, so a long-broken server stays
// throttled across TTL re-initialisation (scenario 6).
func (s *Store) reinit(old HostData, now int64) HostData {
	preservePenalty := old.RTT.RTOMillis() >= rtt.UsefulServerTopTimeout

	fresh := s.newHostData(now)
	fresh.Cookie.ClientBytes = old.Cookie.ClientBytes

	if preservePenalty {
		fresh.RTT.RTO = float64(rtt.UsefulServerTopTimeout)
		fresh.ProbeDelay = old.ProbeDelay
		fresh.TimeoutA = old.TimeoutA
		fresh.TimeoutAAAA = old.TimeoutAAAA
		fresh.TimeoutOther = old.TimeoutOther
	}
	return fresh
}

// ensureFresh returns a write-locked handle to key's entry, allocating it
// if absent and re-initialising it if TTL-expired. Callers must Release
// the returned handle.
func (s *Store) ensureFresh(key HostKey, now int64) *shardmap.Handle[HostKey, HostData] {
	h, ok := s.m.Lookup(key, true)
	if !ok {
		return s.m.Insert(key, s.newHostData(now), s.sizeFn)
	}
	if h.Value().TTLDeadline < now {
		*h.Value() = s.reinit(*h.Value(), now)
	}
	return h
}

// HostLookup implements host_lookup (§4.2, case 1-3).
func (s *Store) HostLookup(addr netip.AddrPort, zone string, now int64) (ednsVersion int16, ednsLameKnown bool, timeoutMs int) {
	if s.metrics != nil {
		s.metrics.HostLookups.Add(context.Background(), 1)
	}

	key := s.key(addr, zone)

	h, ok := s.m.Lookup(key, true)
	if !ok {
		h = s.m.Insert(key, s.newHostData(now), s.sizeFn)
		defer h.Release()
		return h.Value().EDNSVersion, h.Value().EDNSLameKnown, h.Value().RTT.Timeout()
	}
	defer h.Release()

	d := h.Value()
	if d.TTLDeadline < now {
		if s.metrics != nil {
			s.metrics.HostExpired.Add(context.Background(), 1)
		}
		*d = s.reinit(*d, now)
		return d.EDNSVersion, d.EDNSLameKnown, d.RTT.Timeout()
	}

	timeoutMs = d.RTT.Timeout()
	if timeoutMs >= rtt.ProbeMaxRTO && (s.keepProbing || d.RTT.NoTimeoutSRTT()*4 <= timeoutMs) {
		d.ProbeDelay = now + int64((timeoutMs+999)/1000) + 1
		if s.metrics != nil {
			s.metrics.ProbesAdmitted.Add(context.Background(), 1)
		}
	}
	return d.EDNSVersion, d.EDNSLameKnown, timeoutMs
}

// SetLame implements set_lame. Lameness is monotone within a TTL epoch:
// bits are only ever set, never cleared, until the next re-initialisation.
func (s *Store) SetLame(addr netip.AddrPort, zone string, now int64, dnssecLame, recLame bool, qtype uint16) {
	key := s.key(addr, zone)
	h := s.ensureFresh(key, now)
	defer h.Release()

	d := h.Value()
	if dnssecLame {
		d.DNSSECLame = true
	}
	if recLame {
		d.RecursionLame = true
	}
	if !dnssecLame && !recLame {
		if qtype == dns.TypeA {
			d.LameForA = true
		} else {
			d.LameForOther = true
		}
	}
}

func counterFor(d *HostData, qtype uint16) *uint8 {
	switch qtype {
	case dns.TypeA:
		return &d.TimeoutA
	case dns.TypeAAAA:
		return &d.TimeoutAAAA
	default:
		return &d.TimeoutOther
	}
}

// RTTUpdate implements rtt_update: on timeout (measuredMs == -1), it backs
// off RTO and bumps the saturating per-family timeout counter; on a reply
// it folds the sample into the estimator, resetting a previously-penalised
// record to full availability, and clears probedelay and the counter.
func (s *Store) RTTUpdate(addr netip.AddrPort, zone string, qtype uint16, measuredMs int, originalRTOOnEntry int, now int64) {
	key := s.key(addr, zone)
	h := s.ensureFresh(key, now)
	defer h.Release()

	d := h.Value()
	counter := counterFor(d, qtype)

	if measuredMs == -1 {
		if s.metrics != nil {
			s.metrics.RTTTimeouts.Add(context.Background(), 1)
		}
		d.RTT.Lost(originalRTOOnEntry)
		if *counter < rtt.TimeoutCountMax {
			*counter++
		}
		return
	}

	if s.metrics != nil {
		s.metrics.RTTReplies.Add(context.Background(), 1)
	}

	if d.RTT.RTOMillis() >= rtt.UsefulServerTopTimeout {
		d.RTT = rtt.New(rtt.MinTimeout)
	}
	d.RTT.Update(measuredMs)
	d.ProbeDelay = 0
	*counter = 0
}

// UpdateTCPWorks implements update_tcp_works: a successful TCP fallback
// lowers a maxed-out RTO so the server stays in rotation, deprioritised
// rather than discarded. It is a no-op on an absent entry.
func (s *Store) UpdateTCPWorks(addr netip.AddrPort, zone string) {
	key := s.key(addr, zone)
	h, ok := s.m.Lookup(key, true)
	if !ok {
		return
	}
	defer h.Release()

	d := h.Value()
	if d.RTT.RTOMillis() >= rtt.RTTMaxTimeout {
		d.RTT.RTO = float64(rtt.RTTMaxTimeout - 1000)
	}
}

// EDNSUpdate implements edns_update: monotone, refusing to downgrade a
// previously observed version back to "no EDNS".
func (s *Store) EDNSUpdate(addr netip.AddrPort, zone string, version int16, now int64) {
	key := s.key(addr, zone)
	h := s.ensureFresh(key, now)
	defer h.Release()

	d := h.Value()
	if d.EDNSVersion >= 0 && version == -1 {
		return
	}
	d.EDNSVersion = version
	d.EDNSLameKnown = true
}

// GetCookie implements get_cookie: looking up (and, if absent, creating)
// the entry and returning a copy of its cookie state.
func (s *Store) GetCookie(addr netip.AddrPort, zone string, now int64) Cookie {
	key := s.key(addr, zone)
	h := s.ensureFresh(key, now)
	defer h.Release()

	d := h.Value()
	c := d.Cookie
	c.ServerBytes = append([]byte(nil), d.Cookie.ServerBytes...)
	c.BoundInterface = append([]byte(nil), d.Cookie.BoundInterface...)
	return c
}

// SetServerCookie implements set_server_cookie. cookie must be the raw
// EDNS COOKIE option value: 8 client-half bytes followed by 8..16
// server-half bytes. It returns mismatch=true (and makes no change) if the
// reply's client half doesn't match the stored one, per the cookie state
// machine in §4.7.
func (s *Store) SetServerCookie(addr netip.AddrPort, zone string, iface []byte, cookie []byte) (mismatch bool) {
	if len(cookie) < 8 {
		s.recordCookieMismatch()
		return true
	}

	key := s.key(addr, zone)
	h, ok := s.m.Lookup(key, true)
	if !ok {
		s.recordCookieMismatch()
		return true
	}
	defer h.Release()

	d := h.Value()
	if d.Cookie.State == CookieNotSupported {
		return false
	}

	clientHalf := cookie[:8]
	for i := range clientHalf {
		if d.Cookie.ClientBytes[i] != clientHalf[i] {
			s.recordCookieMismatch()
			return true
		}
	}

	// Renewal after interface loss: an assignment, not a discarded
	// comparison — a changed outgoing interface with an unknown (empty)
	// replacement forces the cookie back to UNKNOWN so it's relearned.
	renew := false
	if len(d.Cookie.BoundInterface) > 0 && len(iface) == 0 && !bytesEqual(d.Cookie.BoundInterface, iface) {
		d.Cookie.State = CookieUnknown
		renew = true
	}

	serverHalf := cookie[8:]
	d.Cookie.ServerBytes = append([]byte(nil), serverHalf...)
	d.Cookie.BoundInterface = append([]byte(nil), iface...)
	if d.Cookie.State == CookieUnknown && !renew {
		d.Cookie.State = CookieLearned
		if s.metrics != nil {
			s.metrics.CookieLearned.Add(context.Background(), 1)
		}
	}
	return false
}

func (s *Store) recordCookieMismatch() {
	if s.metrics != nil {
		s.metrics.CookieMismatch.Add(context.Background(), 1)
	}
}

// SetCookieNotSupported marks a server as not supporting DNS cookies, from
// out-of-band knowledge (e.g. a run of replies carrying no cookie option).
// The state is sticky — SetServerCookie becomes a no-op for this entry —
// until the next TTL-triggered re-initialisation.
func (s *Store) SetCookieNotSupported(addr netip.AddrPort, zone string, now int64) {
	key := s.key(addr, zone)
	h := s.ensureFresh(key, now)
	defer h.Release()
	h.Value().Cookie.State = CookieNotSupported
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// rttForSelection applies the probing-admission clamp described in
// get_lame_rtt: a server parked at or above USEFUL_SERVER_TOP_TIMEOUT
// reports a slightly lower RTT while its per-family timeout counter still
// allows another probe, and the full top timeout once probing for that
// family is exhausted.
func (s *Store) rttForSelection(d *HostData, qtype uint16) int {
	if d.RTT.RTOMillis() < rtt.UsefulServerTopTimeout {
		return d.RTT.RTOMillis()
	}
	if *counterFor(d, qtype) < rtt.TimeoutCountMax {
		return rtt.UsefulServerTopTimeout - 1000
	}
	return rtt.UsefulServerTopTimeout
}

// GetLameRTT implements get_lame_rtt, the read-side server-selection
// oracle. It reports false for ok on a genuine miss (absent, or expired
// without having earned probe-candidate status).
func (s *Store) GetLameRTT(addr netip.AddrPort, zone string, qtype uint16, now int64) (lame, dnssecLame, recLame bool, rttMs int, ok bool) {
	key := s.key(addr, zone)
	h, found := s.m.Lookup(key, false)
	if !found {
		return false, false, false, 0, false
	}
	defer h.Release()

	d := h.Value()
	if d.TTLDeadline < now {
		if d.RTT.RTOMillis() >= rtt.UsefulServerTopTimeout {
			return false, false, false, s.rttForSelection(d, qtype), true
		}
		return false, false, false, 0, false
	}

	lameSpecific := d.LameForOther
	if qtype == dns.TypeA {
		lameSpecific = d.LameForA
	}

	rttMs = s.rttForSelection(d, qtype)

	// Priority of reporting: type-specific lameness beats DNSSEC lameness
	// beats recursion lameness. Only the highest-priority bit that applies
	// is reported; a caller branching on dnssecLame must not also see
	// recLame or a masked-out lameSpecific.
	switch {
	case lameSpecific:
		return true, false, false, rttMs, true
	case d.DNSSECLame:
		return true, true, false, rttMs, true
	case d.RecursionLame:
		return true, false, true, rttMs, true
	default:
		return false, false, false, rttMs, true
	}
}

// GetMem reports the bytes tracked by the underlying sharded map.
func (s *Store) GetMem() int {
	return s.m.GetMem()
}

// Evictions reports the number of entries evicted so far.
func (s *Store) Evictions() uint64 {
	return s.m.Evictions()
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	return s.m.Len()
}
