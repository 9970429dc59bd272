package redis

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/crc64nvme"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
)

// Snapshot frame layout:
//
//	magic (4) | version (1) | zstd(json document) | crc64nvme (8, little endian)
//
// The checksum covers everything before it.
var frameMagic = [4]byte{'H', 'C', 'R', 'S'}

const frameVersion = 1

// ErrCorruptSnapshot is returned when a stored frame fails validation.
var ErrCorruptSnapshot = errors.New("corrupt revocation snapshot")

type snapshotDoc struct {
	CAID         uuid.UUID  `json:"ca_id"`
	CAName       string     `json:"ca_name,omitempty"`
	Number       int64      `json:"crl_number"`
	IssuerDN     string     `json:"issuer_dn"`
	ThisUpdate   time.Time  `json:"this_update"`
	NextUpdate   time.Time  `json:"next_update"`
	URL          string     `json:"url,omitempty"`
	RevokedCount int        `json:"revoked_count"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Entries      []entryDoc `json:"entries"`
}

type entryDoc struct {
	Serial    string    `json:"s"`
	RevokedAt time.Time `json:"t"`
	Reason    int       `json:"r"`
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

func computeCRC64(data []byte) uint64 {
	h := crc64nvme.New()
	_, _ = h.Write(data)
	return h.Sum64()
}

func encodeSnapshot(snap *store.RevocationSnapshot) ([]byte, error) {
	doc := snapshotDoc{
		CAID:         snap.CAID,
		CAName:       snap.CAName,
		Number:       snap.Metadata.Number,
		IssuerDN:     snap.Metadata.IssuerDN,
		ThisUpdate:   snap.Metadata.ThisUpdate,
		NextUpdate:   snap.Metadata.NextUpdate,
		URL:          snap.Metadata.URL,
		RevokedCount: len(snap.Entries),
		UpdatedAt:    snap.UpdatedAt,
		Entries:      make([]entryDoc, len(snap.Entries)),
	}
	for i, e := range snap.Entries {
		doc.Entries[i] = entryDoc{Serial: e.SerialNumber, RevokedAt: e.RevokedAt, Reason: e.Reason.Code()}
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	buf := new(bytes.Buffer)
	buf.Write(frameMagic[:])
	buf.WriteByte(frameVersion)
	buf.Write(encoder.EncodeAll(body, nil))

	crc := computeCRC64(buf.Bytes())
	_ = binary.Write(buf, binary.LittleEndian, crc)

	return buf.Bytes(), nil
}

func decodeSnapshot(frame []byte) (*store.RevocationSnapshot, error) {
	if len(frame) < len(frameMagic)+1+8 {
		return nil, fmt.Errorf("%w: frame too short", ErrCorruptSnapshot)
	}
	if !bytes.Equal(frame[:4], frameMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptSnapshot)
	}
	if frame[4] != frameVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, frame[4])
	}

	payload, trailer := frame[:len(frame)-8], frame[len(frame)-8:]
	if computeCRC64(payload) != binary.LittleEndian.Uint64(trailer) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}

	body, err := decoder.DecodeAll(payload[5:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	var doc snapshotDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	snap := &store.RevocationSnapshot{
		CAID:   doc.CAID,
		CAName: doc.CAName,
		Metadata: models.CRLMetadata{
			Number:       doc.Number,
			IssuerDN:     doc.IssuerDN,
			ThisUpdate:   doc.ThisUpdate,
			NextUpdate:   doc.NextUpdate,
			URL:          doc.URL,
			RevokedCount: doc.RevokedCount,
		},
		UpdatedAt: doc.UpdatedAt,
		Entries:   make([]models.RevokedEntry, len(doc.Entries)),
	}
	for i, e := range doc.Entries {
		snap.Entries[i] = models.RevokedEntry{
			SerialNumber: e.Serial,
			RevokedAt:    e.RevokedAt,
			Reason:       models.RevocationReason(e.Reason),
		}
	}
	return snap, nil
}
