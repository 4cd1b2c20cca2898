package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Canonical event encoding. Fixed field order, one "name=value" pair per
// line, detail keys sorted, timestamps RFC3339Nano in UTC. Any stored field
// a verifier recomputes from must appear here; prev_hash and entry_hash are
// excluded because the entry hash folds prev_hash in separately.
func canonicalEvent(e *Event) string {
	var sb strings.Builder
	write := func(name, value string) {
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(value)
		sb.WriteByte('\n')
	}

	write("id", e.ID.String())
	write("seq", strconv.FormatInt(e.Seq, 10))
	write("occurred_at", e.OccurredAt.UTC().Format(time.RFC3339Nano))
	write("recorded_at", e.RecordedAt.UTC().Format(time.RFC3339Nano))
	write("type", e.TypeCode)
	write("subtype", e.SubtypeCode)
	write("action", e.Action)
	write("outcome", strconv.Itoa(e.Outcome))
	write("agent", e.AgentID)
	write("agent_display", e.AgentDisplay)
	write("agent_ip", e.AgentIP)
	write("source", e.SourceNode)
	write("entity_type", e.EntityType)
	write("entity_id", e.EntityID)
	write("entity_version", strconv.Itoa(e.EntityVersion))
	write("purpose", e.PurposeCode)
	write("sensitivity", e.SensitivityLabel)
	write("request_id", e.RequestID)

	keys := make([]string, 0, len(e.Detail))
	for k := range e.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write("detail."+k, e.Detail[k])
	}

	return sb.String()
}

// ComputeEntryHash returns the hex SHA-256 of the canonical event encoding
// chained with prevHash.
func ComputeEntryHash(e *Event, prevHash string) string {
	sum := sha256.Sum256([]byte(canonicalEvent(e) + "\n" + prevHash))
	return hex.EncodeToString(sum[:])
}

// GenesisHash is the prev_hash of the first event in a tenant's chain. It is
// derived from the tenant ID so chains from different tenants can never be
// spliced together.
func GenesisHash(tenantID string) string {
	sum := sha256.Sum256([]byte("medledger:genesis:" + tenantID))
	return hex.EncodeToString(sum[:])
}

// HashActor produces a salted, irreversible agent identifier so actor
// identity is never stored in clear in the ledger.
func HashActor(salt, actorID string) string {
	sum := sha256.Sum256([]byte(salt + ":" + strings.TrimSpace(actorID)))
	return hex.EncodeToString(sum[:])
}

// SignCheckpoint computes the HMAC-SHA256 signature binding seq, chain hash
// and event count under the ledger salt.
func SignCheckpoint(salt string, seq int64, chainHash string, eventCount int64) string {
	mac := hmac.New(sha256.New, []byte(salt))
	fmt.Fprintf(mac, "%d|%s|%d", seq, chainHash, eventCount)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCheckpointSignature recomputes and compares in constant time.
func VerifyCheckpointSignature(salt string, cp *Checkpoint) bool {
	want := SignCheckpoint(salt, cp.Seq, cp.ChainHash, cp.EventCount)
	return hmac.Equal([]byte(want), []byte(cp.Signature))
}
