package heal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Trailer is the metadata block appended to every generated artifact:
// a build timestamp and a checksum of the artifact content excluding the
// trailer itself. It is modeled as a typed value with a single canonical
// render/strip pair so no other code has to know the on-disk syntax.
type Trailer struct {
	GeneratedAt time.Time
	Checksum    string // "sha256:<hex>" over the canonical body
}

const (
	generatedPrefix = "<!-- rulekit:generated "
	checksumPrefix  = "<!-- rulekit:checksum "
	commentSuffix   = " -->"
)

// Checksum computes the sha256-tagged digest of a body in canonical form.
// Canonical form is trailer-free content with CRLF normalized to LF and
// Unicode NFC applied, so editors that re-normalize either do not register
// as drift.
func Checksum(body []byte) string {
	sum := sha256.Sum256(Canonical(body))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Canonical returns the normalized form of a body used for checksums and
// content equivalence.
func Canonical(body []byte) []byte {
	b := bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n"))
	return norm.NFC.Bytes(b)
}

// NewTrailer builds the trailer for a body at the given build time.
func NewTrailer(body []byte, at time.Time) Trailer {
	return Trailer{GeneratedAt: at.UTC(), Checksum: Checksum(body)}
}

// Render returns the two trailer comment lines, each newline-terminated.
func (t Trailer) Render() []byte {
	var sb strings.Builder
	sb.WriteString(generatedPrefix)
	sb.WriteString(t.GeneratedAt.UTC().Format(time.RFC3339))
	sb.WriteString(commentSuffix)
	sb.WriteByte('\n')
	sb.WriteString(checksumPrefix)
	sb.WriteString(t.Checksum)
	sb.WriteString(commentSuffix)
	sb.WriteByte('\n')
	return []byte(sb.String())
}

// Append returns body plus its trailer, separated by a blank line. The body
// is newline-terminated first and the checksum covers exactly the bytes
// before the separator, so Strip followed by Checksum reproduces it.
func Append(body []byte, at time.Time) []byte {
	if len(body) > 0 && !bytes.HasSuffix(body, []byte("\n")) {
		body = append(append([]byte(nil), body...), '\n')
	}
	out := make([]byte, 0, len(body)+128)
	out = append(out, body...)
	out = append(out, '\n')
	out = append(out, NewTrailer(body, at).Render()...)
	return out
}

// Strip splits content into body and trailer. ok is false when the content
// carries no well-formed trailer; such files were not produced by this tool
// and are never rewritten or pruned.
func Strip(content []byte) (body []byte, tr Trailer, ok bool) {
	text := strings.TrimRight(string(content), "\n")

	lastNL := strings.LastIndexByte(text, '\n')
	if lastNL < 0 {
		return content, Trailer{}, false
	}
	sumLine := text[lastNL+1:]

	rest := text[:lastNL]
	prevNL := strings.LastIndexByte(rest, '\n')
	genLine := rest
	bodyEnd := 0
	if prevNL >= 0 {
		genLine = rest[prevNL+1:]
		bodyEnd = prevNL + 1
	}

	tsText, ok1 := cutComment(genLine, generatedPrefix)
	sum, ok2 := cutComment(sumLine, checksumPrefix)
	if !ok1 || !ok2 || !strings.HasPrefix(sum, "sha256:") {
		return content, Trailer{}, false
	}

	ts, err := time.Parse(time.RFC3339, tsText)
	if err != nil {
		return content, Trailer{}, false
	}

	// Drop the blank separator line Append placed before the trailer.
	bodyText := strings.TrimSuffix(rest[:bodyEnd], "\n")
	return []byte(bodyText), Trailer{GeneratedAt: ts, Checksum: sum}, true
}

// HasTrailer reports whether content carries a well-formed trailer.
func HasTrailer(content []byte) bool {
	_, _, ok := Strip(content)
	return ok
}

// Equivalent reports whether two artifact contents are the same once their
// trailers are stripped and both are canonicalized. Timestamp-only changes
// compare equal, which is what keeps no-edit rebuilds from churning files.
func Equivalent(a, b []byte) bool {
	bodyA, _, _ := Strip(a)
	bodyB, _, _ := Strip(b)
	return bytes.Equal(Canonical(bodyA), Canonical(bodyB))
}

// cutComment extracts the payload of "<prefix>payload -->".
func cutComment(line, prefix string) (string, bool) {
	if !strings.HasPrefix(line, prefix) || !strings.HasSuffix(line, commentSuffix) {
		return "", false
	}
	payload := strings.TrimSuffix(strings.TrimPrefix(line, prefix), commentSuffix)
	if strings.ContainsAny(payload, " \t") {
		return "", false
	}
	return payload, true
}

// VerifyContent checks content integrity: the embedded checksum must match
// a recomputation over the stripped body.
func VerifyContent(content []byte) error {
	body, tr, ok := Strip(content)
	if !ok {
		return fmt.Errorf("missing or malformed metadata trailer")
	}
	if got := Checksum(body); got != tr.Checksum {
		return fmt.Errorf("checksum mismatch: recorded %s, computed %s", tr.Checksum, got)
	}
	return nil
}
