package network

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/keys"
	"github.com/rigado/mesh/security"
)

// Stats counts network layer outcomes. Drops are never reported as
// errors, so these counters are the only trace they leave.
type Stats struct {
	Sent        uint64
	Received    uint64
	Accepted    uint64
	Duplicates  uint64
	UnknownNID  uint64
	MICFailures uint64
	Replays     uint64
	Malformed   uint64
}

// Layer encrypts outbound and authenticates inbound network PDUs.
type Layer struct {
	keys   *keys.Manager
	bearer mesh.Bearer

	iv     IVIndex
	seq    *SequenceArena
	replay *ReplayCache
	cache  *lru.Cache[string, struct{}]

	stats Stats
	log   mesh.Logger
}

// NewLayer builds a network layer sending through b. onReserve receives the
// sequence reservation marks to persist.
func NewLayer(km *keys.Manager, b mesh.Bearer, cfg mesh.Config, onReserve func(mesh.Address, uint32)) (*Layer, error) {
	cache, err := lru.New[string, struct{}](cfg.MessageCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "network message cache")
	}
	return &Layer{
		keys:   km,
		bearer: b,
		seq:    NewSequenceArena(cfg.SequenceReserve, onReserve),
		replay: NewReplayCache(),
		cache:  cache,
		log:    mesh.LayerLogger("network"),
	}, nil
}

// NextSeq allocates a sequence number for src.
func (l *Layer) NextSeq(src mesh.Address) (uint32, error) {
	return l.seq.Next(src)
}

// Sequences exposes the arena for snapshot and restore.
func (l *Layer) Sequences() *SequenceArena { return l.seq }

// TxIVIndex is the IV index used in nonces of outbound PDUs.
func (l *Layer) TxIVIndex() uint32 { return l.iv.Tx() }

func (l *Layer) IVIndex() (uint32, bool) { return l.iv.Get() }

// SetIVIndex moves the IV index state. Sequence numbers restart when the
// transmit index changes.
func (l *Layer) SetIVIndex(index uint32, updating bool) error {
	moved, err := l.iv.Set(index, updating)
	if err != nil {
		return err
	}
	if moved {
		l.seq.Reset()
		l.log.Infof("iv index now %d (updating %v), sequence numbers reset", index, updating)
	}
	return nil
}

// Reset returns the layer to its unprovisioned state: IV index zero, no
// sequence numbers, an empty replay and message cache.
func (l *Layer) Reset() {
	l.iv.reset()
	l.seq.Reset()
	l.replay.Reset()
	l.cache.Purge()
}

// Encrypt seals a PDU for subnet netIdx without sending it.
func (l *Layer) Encrypt(netIdx mesh.KeyIndex, h Header, transport []byte) ([]byte, error) {
	k, err := l.keys.TxNetwork(netIdx)
	if err != nil {
		return nil, err
	}
	return Seal(k, l.iv.Tx(), h, transport)
}

// Send seals a PDU and hands it to the bearer. h.SEQ must come from NextSeq.
func (l *Layer) Send(netIdx mesh.KeyIndex, h Header, transport []byte) error {
	raw, err := l.Encrypt(netIdx, h, transport)
	if err != nil {
		return err
	}
	// our own PDU echoed back by a relay must not be processed
	l.cache.Add(string(raw), struct{}{})

	if err := l.bearer.Send(raw); err != nil {
		return errors.Wrap(err, "bearer send")
	}
	atomic.AddUint64(&l.stats.Sent, 1)
	return nil
}

// Decrypt authenticates a received PDU. It returns nil for every PDU that
// must be dropped: duplicates, unknown keys, MIC failures, replays and
// malformed input.
func (l *Layer) Decrypt(raw []byte) *PDU {
	atomic.AddUint64(&l.stats.Received, 1)
	if len(raw) < minPDUSize {
		atomic.AddUint64(&l.stats.Malformed, 1)
		l.log.Debugf("drop: short pdu (%d bytes)", len(raw))
		return nil
	}

	key := string(raw)
	if l.cache.Contains(key) {
		atomic.AddUint64(&l.stats.Duplicates, 1)
		return nil
	}

	iv, ok := l.iv.Rx(IVI(raw))
	if !ok {
		atomic.AddUint64(&l.stats.Malformed, 1)
		return nil
	}

	candidates := l.keys.RxNetwork(NID(raw))
	if len(candidates) == 0 {
		atomic.AddUint64(&l.stats.UnknownNID, 1)
		return nil
	}

	var pdu *PDU
	for _, c := range candidates {
		p, err := Open(c.Keys, iv, raw)
		if err == nil {
			p.NetKeyIndex = c.Index
			pdu = p
			break
		}
		if !errors.Is(err, security.ErrMICMismatch) {
			atomic.AddUint64(&l.stats.Malformed, 1)
			l.log.Debugf("drop: %v", err)
			return nil
		}
	}
	if pdu == nil {
		atomic.AddUint64(&l.stats.MICFailures, 1)
		l.log.Debugf("drop: netmic mismatch with %d candidate keys", len(candidates))
		return nil
	}

	if !l.replay.Accept(pdu.SRC, pdu.IVIndex, pdu.SEQ) {
		atomic.AddUint64(&l.stats.Replays, 1)
		l.log.Debugf("drop: replay from %s seq %06x", pdu.SRC, pdu.SEQ)
		return nil
	}

	l.cache.Add(key, struct{}{})
	atomic.AddUint64(&l.stats.Accepted, 1)
	return pdu
}

// MaxIVRecovery is the largest forward IV index step taken from a beacon.
const MaxIVRecovery = 42

// HandleBeacon authenticates a secure network beacon against every known
// subnet and follows an IV index that moved forward.
func (l *Layer) HandleBeacon(raw []byte) (*SecureBeacon, error) {
	var candidates []*keys.NetworkKeys
	for _, nk := range l.keys.NetKeys() {
		candidates = append(candidates, nk.Rx()...)
	}
	b, _, err := DecodeSecureBeacon(raw, candidates)
	if err != nil {
		return nil, err
	}

	cur, updating := l.iv.Get()
	if b.IVIndex > cur+MaxIVRecovery {
		return b, errors.Errorf("beacon iv index %d more than %d ahead of %d", b.IVIndex, MaxIVRecovery, cur)
	}
	if b.IVIndex > cur || b.IVIndex == cur && updating && !b.IVUpdate {
		if err := l.SetIVIndex(b.IVIndex, b.IVUpdate); err != nil {
			return b, err
		}
	}
	return b, nil
}

// Beacon builds the secure network beacon of subnet netIdx.
func (l *Layer) Beacon(netIdx mesh.KeyIndex) ([]byte, error) {
	nk, err := l.keys.NetKey(netIdx)
	if err != nil {
		return nil, err
	}
	index, updating := l.iv.Get()
	b := &SecureBeacon{
		KeyRefresh: nk.Phase == keys.PhaseUsingNewKeys,
		IVUpdate:   updating,
		IVIndex:    index,
		NetworkID:  nk.Tx().NetworkID,
	}
	return b.Encode(nk.Tx())
}

// ForgetSource clears the replay entry of a removed node.
func (l *Layer) ForgetSource(src mesh.Address) { l.replay.Forget(src) }

// Stats returns a snapshot of the counters.
func (l *Layer) Stats() Stats {
	return Stats{
		Sent:        atomic.LoadUint64(&l.stats.Sent),
		Received:    atomic.LoadUint64(&l.stats.Received),
		Accepted:    atomic.LoadUint64(&l.stats.Accepted),
		Duplicates:  atomic.LoadUint64(&l.stats.Duplicates),
		UnknownNID:  atomic.LoadUint64(&l.stats.UnknownNID),
		MICFailures: atomic.LoadUint64(&l.stats.MICFailures),
		Replays:     atomic.LoadUint64(&l.stats.Replays),
		Malformed:   atomic.LoadUint64(&l.stats.Malformed),
	}
}
