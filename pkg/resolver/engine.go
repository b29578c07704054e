// Package resolver assigns master identities to conformed records by exact
// natural-key lookup and deterministic fuzzy matching on normalized
// secondary identifiers.
package resolver

import (
	"context"
	"sort"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/internal/repositories/duplicatelink"
	"github.com/Ramsey-B/fern/internal/repositories/masterentity"
	"github.com/Ramsey-B/fern/internal/repositories/matchkey"
	"github.com/Ramsey-B/fern/internal/repositories/naturalkey"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DefaultMatchThreshold is the minimum fuzzy confidence that binds a record
// to an existing master.
const DefaultMatchThreshold = 70

// Session is the in-flight candidate table for one batch. Two records in the
// same batch that fuzzy-match the same new candidate must resolve to one
// master, so resolutions made earlier in the batch are consulted before the
// stored indexes. Entries are scoped by entity type, matching the stored
// indexes; one batch may mix entity types whose keys render identically.
type Session struct {
	naturalKeys map[string]string
	matchKeys   map[string]string
}

// NewSession creates an empty per-batch candidate table
func NewSession() *Session {
	return &Session{
		naturalKeys: make(map[string]string),
		matchKeys:   make(map[string]string),
	}
}

func naturalKeyID(entityType, naturalKey string) string {
	return entityType + "\x00" + naturalKey
}

func matchKeyID(entityType, name, value string) string {
	return entityType + "\x00" + name + "\x00" + value
}

// Engine resolves record identity. Matching is exact equality on normalized
// values only; there is no probabilistic string distance in the core.
type Engine struct {
	masters   *masterentity.Repository
	keys      *naturalkey.Repository
	matchKeys *matchkey.Repository
	links     *duplicatelink.Repository
	logger    ectologger.Logger
}

// NewEngine creates a new resolver engine
func NewEngine(masters *masterentity.Repository, keys *naturalkey.Repository, matchKeys *matchkey.Repository, links *duplicatelink.Repository, logger ectologger.Logger) *Engine {
	return &Engine{
		masters:   masters,
		keys:      keys,
		matchKeys: matchKeys,
		links:     links,
		logger:    logger,
	}
}

// Resolve determines the master for one conformed record.
//
//  1. Exact: the natural-key index decides with confidence 100.
//  2. Fuzzy: per-field points for equal normalized secondary keys are summed
//     and capped at 100; a single master at or above the descriptor threshold
//     wins. A tie between two masters is an AmbiguousMatchError; tied links
//     are written unreviewed and the record is left to quarantine.
//  3. Otherwise a new master is allocated via reserve-if-absent on the
//     natural key, so two workers racing on the same key converge on one
//     master.
func (e *Engine) Resolve(ctx context.Context, desc *models.TableDescriptor, rec *models.NormalizedRecord, session *Session) (*models.Resolution, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Engine.Resolve")
	defer span.End()

	if session == nil {
		session = NewSession()
	}

	// exact match, in-batch first
	if masterID, ok := session.naturalKeys[naturalKeyID(rec.EntityType, rec.NaturalKey)]; ok {
		return &models.Resolution{MasterID: masterID, Basis: models.MatchBasisExact, Confidence: 100}, nil
	}

	entry, err := e.keys.Lookup(ctx, rec.TenantID, rec.EntityType, rec.NaturalKey)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		session.naturalKeys[naturalKeyID(rec.EntityType, rec.NaturalKey)] = entry.MasterID
		if err := e.indexMatchKeys(ctx, rec, entry.MasterID, session); err != nil {
			return nil, err
		}
		return &models.Resolution{MasterID: entry.MasterID, Basis: models.MatchBasisExact, Confidence: 100}, nil
	}

	// fuzzy match on normalized secondary identifiers
	scores, err := e.fuzzyScores(ctx, desc, rec, session)
	if err != nil {
		return nil, err
	}

	threshold := desc.MatchThreshold
	if threshold <= 0 {
		threshold = DefaultMatchThreshold
	}

	winners, topScore := topCandidates(scores, threshold)
	switch {
	case len(winners) > 1:
		for _, masterID := range winners {
			link := &models.DuplicateLink{
				TenantID:    rec.TenantID,
				EntityType:  rec.EntityType,
				NaturalKey:  rec.NaturalKey,
				MasterID:    masterID,
				RawRecordID: rec.RawRecordID,
				MatchBasis:  models.MatchBasisFuzzy,
				Confidence:  topScore,
				Reviewed:    false,
			}
			if err := e.links.Insert(ctx, link); err != nil {
				return nil, err
			}
		}
		e.logger.WithContext(ctx).WithFields(map[string]any{"entity_type": rec.EntityType, "natural_key": rec.NaturalKey, "masters": winners, "confidence": topScore}).Warn("Ambiguous fuzzy match")
		return nil, &models.AmbiguousMatchError{
			EntityType: rec.EntityType,
			NaturalKey: rec.NaturalKey,
			MasterIDs:  winners,
			Confidence: topScore,
		}

	case len(winners) == 1:
		return e.bindToMaster(ctx, rec, winners[0], models.MatchBasisFuzzy, topScore, session)

	default:
		return e.allocate(ctx, rec, session)
	}
}

// fuzzyScores sums match-key points per candidate master. In-batch candidates
// score alongside stored ones.
func (e *Engine) fuzzyScores(ctx context.Context, desc *models.TableDescriptor, rec *models.NormalizedRecord, session *Session) (map[string]int, error) {
	scores := make(map[string]int)
	for _, def := range desc.MatchKeys.Data {
		value, ok := rec.MatchKeys[def.Field]
		if !ok {
			continue
		}
		points := def.Points
		if points <= 0 {
			points = DefaultMatchThreshold
		}

		seen := make(map[string]bool)
		if masterID, ok := session.matchKeys[matchKeyID(rec.EntityType, def.Field, value)]; ok {
			scores[masterID] += points
			seen[masterID] = true
		}

		masters, err := e.matchKeys.FindMasters(ctx, rec.TenantID, rec.EntityType, def.Field, value)
		if err != nil {
			return nil, err
		}
		for _, masterID := range masters {
			if !seen[masterID] {
				scores[masterID] += points
			}
		}
	}

	for masterID, score := range scores {
		if score > 100 {
			scores[masterID] = 100
		}
	}
	return scores, nil
}

func topCandidates(scores map[string]int, threshold int) ([]string, int) {
	top := 0
	for _, score := range scores {
		if score > top {
			top = score
		}
	}
	if top < threshold {
		return nil, top
	}

	var winners []string
	for masterID, score := range scores {
		if score == top {
			winners = append(winners, masterID)
		}
	}
	sort.Strings(winners)
	return winners, top
}

// bindToMaster aliases the record's natural key onto an existing master and
// records the duplicate judgement.
func (e *Engine) bindToMaster(ctx context.Context, rec *models.NormalizedRecord, masterID string, basis models.MatchBasis, confidence int, session *Session) (*models.Resolution, error) {
	entry, claimed, err := e.keys.Reserve(ctx, rec.TenantID, rec.EntityType, rec.NaturalKey, masterID, rec.SourceSystem)
	if err != nil {
		return nil, err
	}
	if !claimed && entry.MasterID != masterID {
		// a concurrent worker claimed the key for another master; follow it
		masterID = entry.MasterID
		basis = models.MatchBasisExact
		confidence = 100
	}

	if claimed {
		link := &models.DuplicateLink{
			TenantID:    rec.TenantID,
			EntityType:  rec.EntityType,
			NaturalKey:  rec.NaturalKey,
			MasterID:    masterID,
			RawRecordID: rec.RawRecordID,
			MatchBasis:  basis,
			Confidence:  confidence,
			Reviewed:    false,
		}
		if err := e.links.Insert(ctx, link); err != nil {
			return nil, err
		}
	}

	session.naturalKeys[naturalKeyID(rec.EntityType, rec.NaturalKey)] = masterID
	if err := e.indexMatchKeys(ctx, rec, masterID, session); err != nil {
		return nil, err
	}
	return &models.Resolution{MasterID: masterID, Basis: basis, Confidence: confidence}, nil
}

// allocate creates a new master and claims the natural key for it. Losing
// the reservation race means another worker allocated first; their master
// wins and ours is discarded before it ever owns a key or version.
func (e *Engine) allocate(ctx context.Context, rec *models.NormalizedRecord, session *Session) (*models.Resolution, error) {
	candidateID := uuid.New().String()
	entry, claimed, err := e.keys.Reserve(ctx, rec.TenantID, rec.EntityType, rec.NaturalKey, candidateID, rec.SourceSystem)
	if err != nil {
		return nil, err
	}

	masterID := entry.MasterID
	if claimed {
		if _, err := e.masters.Create(ctx, rec.TenantID, rec.EntityType, masterID); err != nil {
			return nil, err
		}
		e.logger.WithContext(ctx).WithFields(map[string]any{"entity_type": rec.EntityType, "natural_key": rec.NaturalKey, "master_id": masterID}).Info("Allocated new master")
	}

	session.naturalKeys[naturalKeyID(rec.EntityType, rec.NaturalKey)] = masterID
	if err := e.indexMatchKeys(ctx, rec, masterID, session); err != nil {
		return nil, err
	}

	resolution := &models.Resolution{MasterID: masterID, Basis: models.MatchBasisNew, Confidence: 0, NewMaster: claimed}
	if !claimed {
		resolution.Basis = models.MatchBasisExact
		resolution.Confidence = 100
		resolution.NewMaster = false
	}
	return resolution, nil
}

func (e *Engine) indexMatchKeys(ctx context.Context, rec *models.NormalizedRecord, masterID string, session *Session) error {
	for name, value := range rec.MatchKeys {
		session.matchKeys[matchKeyID(rec.EntityType, name, value)] = masterID
		entry := &models.MatchKeyEntry{
			TenantID:   rec.TenantID,
			EntityType: rec.EntityType,
			KeyName:    name,
			KeyValue:   value,
			MasterID:   masterID,
		}
		if err := e.matchKeys.Upsert(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
