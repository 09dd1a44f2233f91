// Package partition encodes and decodes the string keys that name units of
// recalculation work for the orchestrator.
//
// Two layouts are in use:
//
//	experiment_{experimentID}_metric_{metricUUID}_{fingerprint}
//	recalculation_{recalculationID}_experiment_{experimentID}_metric_{metricUUID}_{fingerprint}
//
// Decoding splits on the literal anchors rather than on "_" so fingerprints
// that themselves contain underscores survive the round trip.
package partition

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var ErrMalformedKey = errors.New("malformed partition key")

const (
	experimentAnchor    = "experiment_"
	metricAnchor        = "_metric_"
	recalculationAnchor = "recalculation_"
)

// ExperimentKey names an (experiment, metric, fingerprint) triple. It is the
// recurring-work identity registered with the orchestrator's dynamic
// partition set.
type ExperimentKey struct {
	ExperimentID int64
	MetricUUID   uuid.UUID
	Fingerprint  string
}

func (k ExperimentKey) String() string {
	return fmt.Sprintf("experiment_%d_metric_%s_%s", k.ExperimentID, k.MetricUUID, k.Fingerprint)
}

// RecalculationKey names one concrete recalculation request dispatch.
type RecalculationKey struct {
	RecalculationID uuid.UUID
	ExperimentKey
}

func (k RecalculationKey) String() string {
	return fmt.Sprintf("recalculation_%s_%s", k.RecalculationID, k.ExperimentKey.String())
}

// ParseExperimentKey decodes the 3-part layout. Any missing anchor, empty
// segment, or non-numeric experiment id fails with ErrMalformedKey; there is
// no partial result.
func ParseExperimentKey(key string) (ExperimentKey, error) {
	var out ExperimentKey
	if !strings.HasPrefix(key, experimentAnchor) {
		return out, fmt.Errorf("%w: %q missing %q prefix", ErrMalformedKey, key, experimentAnchor)
	}
	rest := key[len(experimentAnchor):]

	idx := strings.Index(rest, metricAnchor)
	if idx < 0 {
		return out, fmt.Errorf("%w: %q missing %q anchor", ErrMalformedKey, key, metricAnchor)
	}
	idPart := rest[:idx]
	rest = rest[idx+len(metricAnchor):]

	experimentID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return out, fmt.Errorf("%w: %q has non-numeric experiment id %q", ErrMalformedKey, key, idPart)
	}

	// The metric id is a canonical UUID (hyphens, no underscores), so the
	// first underscore after the metric anchor separates it from the
	// fingerprint. The fingerprint keeps any underscores it contains.
	sep := strings.Index(rest, "_")
	if sep < 0 {
		return out, fmt.Errorf("%w: %q missing fingerprint segment", ErrMalformedKey, key)
	}
	metricPart, fingerprint := rest[:sep], rest[sep+1:]
	if fingerprint == "" {
		return out, fmt.Errorf("%w: %q has empty fingerprint", ErrMalformedKey, key)
	}
	metricUUID, err := uuid.Parse(metricPart)
	if err != nil || metricPart != metricUUID.String() {
		return out, fmt.Errorf("%w: %q has invalid metric uuid %q", ErrMalformedKey, key, metricPart)
	}

	out.ExperimentID = experimentID
	out.MetricUUID = metricUUID
	out.Fingerprint = fingerprint
	return out, nil
}

// ParseRecalculationKey decodes the 4-part layout.
func ParseRecalculationKey(key string) (RecalculationKey, error) {
	var out RecalculationKey
	if !strings.HasPrefix(key, recalculationAnchor) {
		return out, fmt.Errorf("%w: %q missing %q prefix", ErrMalformedKey, key, recalculationAnchor)
	}
	rest := key[len(recalculationAnchor):]

	idx := strings.Index(rest, "_"+experimentAnchor)
	if idx < 0 {
		return out, fmt.Errorf("%w: %q missing %q anchor", ErrMalformedKey, key, "_"+experimentAnchor)
	}
	idPart := rest[:idx]
	recalculationID, err := uuid.Parse(idPart)
	if err != nil || idPart != recalculationID.String() {
		return out, fmt.Errorf("%w: %q has invalid recalculation id %q", ErrMalformedKey, key, idPart)
	}

	expKey, err := ParseExperimentKey(rest[idx+1:])
	if err != nil {
		return out, err
	}

	out.RecalculationID = recalculationID
	out.ExperimentKey = expKey
	return out, nil
}
