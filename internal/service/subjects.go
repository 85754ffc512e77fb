package service

import (
	"fmt"
	"strings"
	"time"
)

const (
	// StatsStreamName is the JetStream stream carrying every statistics report
	StatsStreamName = "STATS"

	StatsSubjects              = "stats.>"
	JobSucceededSubject        = "stats.job.succeeded"
	JobFailedSubject           = "stats.job.failed"
	InvocationSubject          = "stats.invocation"
	ActivitySubjectPrefix      = "stats.activity."
	NodeActivitySubjectPrefix  = ActivitySubjectPrefix + "node."
	CoordinatorActivitySubject = ActivitySubjectPrefix + "coordinator"

	streamMaxAge     = 24 * time.Hour
	operationTimeout = 30 * time.Second
	ackWait          = 30 * time.Second
)

// NodeActivitySubject returns the subject a node's activity is published on.
// The node id becomes a single subject token, see SubjectToken.
func NodeActivitySubject(nodeID string) string {
	return NodeActivitySubjectPrefix + SubjectToken(nodeID)
}

// SubjectToken encodes s as one NATS subject token. ASCII letters, digits
// and '-' are kept; every other byte, '_' included, is written as '_' plus
// two hex digits, so distinct ids never share a token.
func SubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02X", c)
		}
	}
	return b.String()
}
