package backend

import (
	"encoding/json"
	"time"

	"github.com/layerkv/cache/keys"
)

// keys.ID keeps its fields private so StringID/NumberID collapse onto the
// same normalized form; that means it can't round-trip through
// encoding/json directly. wireID persists the normalized form instead —
// reconstructing via keys.StringID is always equivalent for every
// downstream use (Normalize, Hash, LocEqual), since those only ever look
// at the normalized string and the nil flag.
type wireID struct {
	Value string `json:"value,omitempty"`
	Nil   bool   `json:"nil,omitempty"`
}

func toWireID(id keys.ID) wireID {
	if id.IsNil() {
		return wireID{Nil: true}
	}
	return wireID{Value: id.Normalize()}
}

func (w wireID) toID() keys.ID {
	if w.Nil {
		return keys.NilID()
	}
	return keys.StringID(w.Value)
}

type wireLocationTag struct {
	KT string `json:"kt"`
	LK wireID `json:"lk"`
}

type wireKey struct {
	KT  string            `json:"kt"`
	PK  wireID            `json:"pk"`
	Loc []wireLocationTag `json:"loc,omitempty"`
}

func toWireKey(k keys.Key) wireKey {
	w := wireKey{KT: k.KT, PK: toWireID(k.PK)}
	if len(k.Loc) > 0 {
		w.Loc = make([]wireLocationTag, len(k.Loc))
		for i, l := range k.Loc {
			w.Loc[i] = wireLocationTag{KT: l.KT, LK: toWireID(l.LK)}
		}
	}
	return w
}

func (w wireKey) toKey() keys.Key {
	k := keys.Key{KT: w.KT, PK: w.PK.toID()}
	if len(w.Loc) > 0 {
		k.Loc = make([]keys.LocationTag, len(w.Loc))
		for i, l := range w.Loc {
			k.Loc[i] = keys.LocationTag{KT: l.KT, LK: l.LK.toID()}
		}
	}
	return k
}

// wireItemEntry is the on-disk/on-wire shape of an ItemEntry for persistent
// backends. Value is re-marshaled independently so decoding never needs a
// registered concrete type — it comes back as a generic any (the same
// trade-off JSON-backed caches make everywhere in this codebase).
type wireItemEntry struct {
	OriginalKey wireKey         `json:"originalKey"`
	Value       json.RawMessage `json:"value"`
	Version     int             `json:"version"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EncodeItemEntry serializes e for a persistent backend, refusing cyclic
// values the same way EncodeValue does.
func EncodeItemEntry(e ItemEntry) ([]byte, error) {
	valueBytes, err := EncodeValue(e.Value)
	if err != nil {
		return nil, err
	}
	w := wireItemEntry{
		OriginalKey: toWireKey(e.OriginalKey),
		Value:       valueBytes,
		Version:     e.Version,
		Timestamp:   e.Timestamp,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, Wrap(KindPrecondition, "item entry is not serializable", err)
	}
	return b, nil
}

// DecodeItemEntry is the inverse of EncodeItemEntry.
func DecodeItemEntry(b []byte) (ItemEntry, error) {
	var w wireItemEntry
	if err := json.Unmarshal(b, &w); err != nil {
		return ItemEntry{}, Wrap(KindCollision, "stored item entry is not valid", err)
	}
	var value any
	if len(w.Value) > 0 {
		if err := json.Unmarshal(w.Value, &value); err != nil {
			return ItemEntry{}, Wrap(KindCollision, "stored item value is not valid", err)
		}
	}
	return ItemEntry{
		OriginalKey: w.OriginalKey.toKey(),
		Value:       value,
		Version:     w.Version,
		Timestamp:   w.Timestamp,
	}, nil
}

type wireItemMetadata struct {
	Key            wireKey   `json:"key"`
	AddedAt        time.Time `json:"addedAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	AccessCount    int64     `json:"accessCount"`
	EstimatedSize  int64     `json:"estimatedSize"`
	FrequencyScore float64   `json:"frequencyScore"`
}

// EncodeItemMetadata serializes md. StrategyData is deliberately dropped —
// it is an in-process-only eviction bookkeeping blob (e.g. ARC/2Q ghost
// list membership), never meant to survive a restart.
func EncodeItemMetadata(md ItemMetadata) ([]byte, error) {
	w := wireItemMetadata{
		Key:            toWireKey(md.Key),
		AddedAt:        md.AddedAt,
		LastAccessedAt: md.LastAccessedAt,
		AccessCount:    md.AccessCount,
		EstimatedSize:  md.EstimatedSize,
		FrequencyScore: md.FrequencyScore,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, Wrap(KindPrecondition, "item metadata is not serializable", err)
	}
	return b, nil
}

// DecodeItemMetadata is the inverse of EncodeItemMetadata.
func DecodeItemMetadata(b []byte) (ItemMetadata, error) {
	var w wireItemMetadata
	if err := json.Unmarshal(b, &w); err != nil {
		return ItemMetadata{}, Wrap(KindCollision, "stored item metadata is not valid", err)
	}
	return ItemMetadata{
		Key:            w.Key.toKey(),
		AddedAt:        w.AddedAt,
		LastAccessedAt: w.LastAccessedAt,
		AccessCount:    w.AccessCount,
		EstimatedSize:  w.EstimatedSize,
		FrequencyScore: w.FrequencyScore,
	}, nil
}

type wireQueryEntry struct {
	ItemKeys []wireKey      `json:"itemKeys"`
	Metadata *QueryMetadata `json:"metadata,omitempty"`
}

// EncodeQueryEntry serializes a query-layer entry.
func EncodeQueryEntry(q QueryEntry) ([]byte, error) {
	w := wireQueryEntry{Metadata: q.Metadata}
	if len(q.ItemKeys) > 0 {
		w.ItemKeys = make([]wireKey, len(q.ItemKeys))
		for i, k := range q.ItemKeys {
			w.ItemKeys[i] = toWireKey(k)
		}
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, Wrap(KindPrecondition, "query entry is not serializable", err)
	}
	return b, nil
}

// DecodeQueryEntry is the inverse of EncodeQueryEntry. It also accepts the
// legacy bare-array-of-keys form (no wrapping object, no metadata) so a
// store written by an older version of this package still reads back.
func DecodeQueryEntry(b []byte) (QueryEntry, error) {
	var w wireQueryEntry
	if err := json.Unmarshal(b, &w); err == nil {
		return fromWireQueryEntry(w), nil
	}

	var bare []wireKey
	if err := json.Unmarshal(b, &bare); err != nil {
		return QueryEntry{}, Wrap(KindCollision, "stored query entry is not valid", err)
	}
	keys := make([]keys.Key, len(bare))
	for i, k := range bare {
		keys[i] = k.toKey()
	}
	return QueryEntry{ItemKeys: keys}, nil
}

func fromWireQueryEntry(w wireQueryEntry) QueryEntry {
	q := QueryEntry{Metadata: w.Metadata}
	if len(w.ItemKeys) > 0 {
		q.ItemKeys = make([]keys.Key, len(w.ItemKeys))
		for i, k := range w.ItemKeys {
			q.ItemKeys[i] = k.toKey()
		}
	}
	return q
}
