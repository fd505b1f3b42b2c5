package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type StateStatus string

const (
	StateStatusCreated      StateStatus = "CREATED"
	StateStatusQueued       StateStatus = "QUEUED"
	StateStatusExecuted     StateStatus = "EXECUTED"
	StateStatusNextCreated  StateStatus = "NEXT_CREATED"
	StateStatusSuccess      StateStatus = "SUCCESS"
	StateStatusErrored      StateStatus = "ERRORED"
	StateStatusRetryCreated StateStatus = "RETRY_CREATED"
	StateStatusTimedOut     StateStatus = "TIMEDOUT"
	StateStatusCancelled    StateStatus = "CANCELLED"
)

// State is one attempt to run one node instance within one graph run.
// EnqueueAfter and TimeoutAt are UTC epoch milliseconds.
type State struct {
	ID uuid.UUID

	NodeName      string
	NamespaceName string
	GraphName     string
	RunID         string
	Identifier    string

	Status  StateStatus
	Inputs  map[string]string
	Outputs map[string]string
	Error   string

	Parents             map[string]uuid.UUID
	DoesUnites          bool
	FanoutID            string
	ManualRetryFanoutID string

	RetryCount     int
	EnqueueAfter   int64
	TimeoutMinutes *int
	TimeoutAt      *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fingerprint is the value guarded by the states unique index.
// Two states with the same fingerprint are the same attempt of the same node.
func (s State) Fingerprint() string {
	var b strings.Builder
	for _, part := range []string{
		s.NodeName,
		s.NamespaceName,
		s.GraphName,
		s.RunID,
		s.Identifier,
		s.FanoutID,
		s.ManualRetryFanoutID,
		strconv.Itoa(s.RetryCount),
	} {
		b.WriteString(part)
		b.WriteByte(0)
	}

	// Unite nodes are addressed by the full set of upstream states they waited on.
	if s.DoesUnites {
		keys := make([]string, 0, len(s.Parents))
		for k := range s.Parents {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(s.Parents[k].String())
			b.WriteByte(0)
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// RetrySuccessor builds the CREATED state that replaces s after a failure.
// Lineage fields are copied; maps are cloned so the two states never alias.
func (s State) RetrySuccessor(retryCount int, enqueueAfter int64, now time.Time) State {
	return State{
		ID:                  uuid.New(),
		NodeName:            s.NodeName,
		NamespaceName:       s.NamespaceName,
		GraphName:           s.GraphName,
		RunID:               s.RunID,
		Identifier:          s.Identifier,
		Status:              StateStatusCreated,
		Inputs:              cloneStrings(s.Inputs),
		Outputs:             map[string]string{},
		Parents:             cloneParents(s.Parents),
		DoesUnites:          s.DoesUnites,
		FanoutID:            s.FanoutID,
		ManualRetryFanoutID: s.ManualRetryFanoutID,
		RetryCount:          retryCount,
		EnqueueAfter:        enqueueAfter,
		TimeoutMinutes:      s.TimeoutMinutes,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func cloneStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneParents(m map[string]uuid.UUID) map[string]uuid.UUID {
	out := make(map[string]uuid.UUID, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Millis converts t to UTC epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}
