// Compact event codec, spec.md §4.1. Field order is fixed: id, pubkey,
// created_at, kind, tags, content, sig. id, pubkey, created_at, kind and
// sig are fixed-width; tags and content are length-prefixed. Encode is
// thus deterministic and decode is total on encode's own output,
// following the same write-element/read-element discipline the teacher
// uses in lnwire/message.go (one field at a time, into/out of an
// io.Writer/io.Reader) and the self-delimiting record layout of tlv.
package signedevent

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
)

// maxEventBytes bounds a single encoded event, guarding decode against
// a maliciously large length prefix.
const maxEventBytes = 1 << 20

// maxTagRows/maxTagCols bound the tag matrix for the same reason.
const (
	maxTagRows = 4096
	maxTagCols = 256
)

// Encode serializes e into its compact wire form. Encode is infallible
// for structurally valid inputs (fixed-length hex fields correctly
// formed); it returns an error only if a hex field cannot be decoded.
func Encode(e *SignedEvent) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeTo(&buf, e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeTo(w io.Writer, e *SignedEvent) error {
	id, err := decodeFixed(e.ID, 32, "id")
	if err != nil {
		return err
	}
	pubkey, err := decodeFixed(e.Pubkey, 32, "pubkey")
	if err != nil {
		return err
	}
	sig, err := decodeFixed(e.Sig, 64, "sig")
	if err != nil {
		return err
	}

	if _, err := w.Write(id); err != nil {
		return err
	}
	if _, err := w.Write(pubkey); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(e.CreatedAt)); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(e.Kind)); err != nil {
		return err
	}
	if err := writeTags(w, e.Tags); err != nil {
		return err
	}
	if err := writeVarBytes(w, []byte(e.Content)); err != nil {
		return err
	}
	if _, err := w.Write(sig); err != nil {
		return err
	}
	return nil
}

// Decode parses b as a compact-encoded SignedEvent. It is total on the
// output of Encode and rejects any structurally invalid input with
// ErrInvalidEvent — missing field, wrong field order (detected as a
// truncated/over-long read), invalid hex length, or malformed tag row.
// Decode never panics.
func Decode(b []byte) (e *SignedEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			e, err = nil, fmt.Errorf("%w: %v", ErrInvalidEvent, r)
		}
	}()

	if len(b) > maxEventBytes {
		return nil, fmt.Errorf("%w: event too large", ErrInvalidEvent)
	}

	r := bytes.NewReader(b)

	id := make([]byte, 32)
	if _, err := io.ReadFull(r, id); err != nil {
		return nil, fmt.Errorf("%w: short id: %v", ErrInvalidEvent, err)
	}
	pubkey := make([]byte, 32)
	if _, err := io.ReadFull(r, pubkey); err != nil {
		return nil, fmt.Errorf("%w: short pubkey: %v", ErrInvalidEvent, err)
	}
	createdAt, err := readUint64(r)
	if err != nil {
		return nil, fmt.Errorf("%w: short created_at: %v", ErrInvalidEvent, err)
	}
	kind, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: short kind: %v", ErrInvalidEvent, err)
	}
	tags, err := readTags(r)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed tags: %v", ErrInvalidEvent, err)
	}
	content, err := readVarBytes(r)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed content: %v", ErrInvalidEvent, err)
	}
	sig := make([]byte, 64)
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, fmt.Errorf("%w: short sig: %v", ErrInvalidEvent, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after event", ErrInvalidEvent)
	}

	return &SignedEvent{
		ID:        hex.EncodeToString(id),
		Pubkey:    hex.EncodeToString(pubkey),
		CreatedAt: int64(createdAt),
		Kind:      int(kind),
		Tags:      tags,
		Content:   string(content),
		Sig:       hex.EncodeToString(sig),
	}, nil
}

// ClaimSidecar is the payment-channel-claim envelope carried alongside an
// event inside a packet's data field, spec.md §6.2.
type ClaimSidecar struct {
	ChannelID string `json:"channelId"`
	Nonce     uint64 `json:"nonce"`
	Amount    string `json:"amount"`
	Signature string `json:"signature"`
}

// EncodeEnvelope length-prefixes e, and optionally claim, into the
// envelope form of spec.md §6.2: length-prefixed-event || (optional)
// length-prefixed-claim.
func EncodeEnvelope(e *SignedEvent, claim *ClaimSidecar) ([]byte, error) {
	eventBytes, err := Encode(e)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeVarBytes(&buf, eventBytes); err != nil {
		return nil, err
	}
	if claim != nil {
		claimBytes, err := encodeClaim(claim)
		if err != nil {
			return nil, err
		}
		if err := writeVarBytes(&buf, claimBytes); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope accepts both forms a packet's data field may take: a bare
// compact-encoded event (produced by Encode, with no length prefix), or
// the length-prefixed envelope produced by EncodeEnvelope. It returns the
// event and, when present, the claim sidecar.
func DecodeEnvelope(b []byte) (e *SignedEvent, claim *ClaimSidecar, err error) {
	defer func() {
		if r := recover(); r != nil {
			e, claim, err = nil, nil, fmt.Errorf("%w: %v", ErrInvalidEvent, r)
		}
	}()

	r := bytes.NewReader(b)
	first, err := peekVarBytes(r)
	if err == nil {
		// Looks like a length-prefixed block. Try to decode it as an
		// event; if that succeeds, this is the envelope form.
		if candidate, decErr := Decode(first); decErr == nil {
			e = candidate
			if r.Len() > 0 {
				claimBytes, err2 := readVarBytes(r)
				if err2 != nil {
					return nil, nil, fmt.Errorf("%w: malformed claim sidecar: %v", ErrInvalidEvent, err2)
				}
				c, err2 := decodeClaim(claimBytes)
				if err2 != nil {
					return nil, nil, err2
				}
				claim = c
			}
			return e, claim, nil
		}
	}

	// Fall back to the bare-event form.
	e, err = Decode(b)
	if err != nil {
		return nil, nil, err
	}
	return e, nil, nil
}

func encodeClaim(c *ClaimSidecar) ([]byte, error) {
	channelID, err := decodeFixedHex(c.ChannelID, 32, "channelId")
	if err != nil {
		return nil, err
	}
	sig, err := decodeFixedHex(c.Signature, 64, "signature")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(channelID)
	if err := writeUint64(&buf, c.Nonce); err != nil {
		return nil, err
	}
	if err := writeVarBytes(&buf, []byte(c.Amount)); err != nil {
		return nil, err
	}
	buf.Write(sig)
	return buf.Bytes(), nil
}

func decodeClaim(b []byte) (c *ClaimSidecar, err error) {
	r := bytes.NewReader(b)

	channelID := make([]byte, 32)
	if _, err := io.ReadFull(r, channelID); err != nil {
		return nil, fmt.Errorf("%w: short channelId: %v", ErrInvalidEvent, err)
	}
	nonce, err := readUint64(r)
	if err != nil {
		return nil, fmt.Errorf("%w: short nonce: %v", ErrInvalidEvent, err)
	}
	amount, err := readVarBytes(r)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed amount: %v", ErrInvalidEvent, err)
	}
	sig := make([]byte, 64)
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, fmt.Errorf("%w: short signature: %v", ErrInvalidEvent, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after claim", ErrInvalidEvent)
	}

	return &ClaimSidecar{
		ChannelID: hex.EncodeToString(channelID),
		Nonce:     nonce,
		Amount:    string(amount),
		Signature: hex.EncodeToString(sig),
	}, nil
}

func decodeFixedHex(s string, n int, field string) ([]byte, error) {
	return decodeFixed(s, n, field)
}

// --- low-level element helpers, shared with event.go's canonical digest ---

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeVarBytes(w io.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readVarBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxEventBytes {
		return nil, fmt.Errorf("length %d exceeds maximum", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// peekVarBytes reads one length-prefixed block from r without requiring r
// to be fully consumed, returning the block's raw content bytes.
func peekVarBytes(r *bytes.Reader) ([]byte, error) {
	return readVarBytes(r)
}

func writeTags(w io.Writer, tags [][]string) error {
	if len(tags) > maxTagRows {
		return fmt.Errorf("too many tag rows: %d", len(tags))
	}
	if err := writeUint32(w, uint32(len(tags))); err != nil {
		return err
	}
	for _, row := range tags {
		if len(row) > maxTagCols {
			return fmt.Errorf("tag row too wide: %d", len(row))
		}
		if err := writeUint32(w, uint32(len(row))); err != nil {
			return err
		}
		for _, col := range row {
			if err := writeVarBytes(w, []byte(col)); err != nil {
				return err
			}
		}
	}
	return nil
}

func readTags(r io.Reader) ([][]string, error) {
	numRows, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if numRows > maxTagRows {
		return nil, fmt.Errorf("tag row count %d exceeds maximum", numRows)
	}
	tags := make([][]string, 0, numRows)
	for i := uint32(0); i < numRows; i++ {
		numCols, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		if numCols > maxTagCols {
			return nil, fmt.Errorf("tag row width %d exceeds maximum", numCols)
		}
		row := make([]string, 0, numCols)
		for j := uint32(0); j < numCols; j++ {
			col, err := readVarBytes(r)
			if err != nil {
				return nil, err
			}
			row = append(row, string(col))
		}
		tags = append(tags, row)
	}
	return tags, nil
}

// appendUint64/appendUint32/appendTags/appendVarBytes mirror the
// writeXxx helpers above but operate on a growable []byte, used by
// event.go's canonical digest construction where allocating a bytes.Buffer
// per field would be wasteful.

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendVarBytes(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func appendTags(buf []byte, tags [][]string) []byte {
	buf = appendUint32(buf, uint32(len(tags)))
	for _, row := range tags {
		buf = appendUint32(buf, uint32(len(row)))
		for _, col := range row {
			buf = appendVarBytes(buf, []byte(col))
		}
	}
	return buf
}
