package engine

import (
	"cxxkb/internal/envelope"
	"cxxkb/internal/facts"
	"cxxkb/internal/hashing"
	"cxxkb/internal/recall"
	"cxxkb/internal/storage"
	"cxxkb/internal/workspace"
)

// classification is one candidate file after stage 3: where its facts
// live, whether they are current, and everything the parse stage needs
// to refresh them.
type classification struct {
	cand  recall.Candidate
	key   *workspace.ResolvedKey
	class facts.FreshnessClass

	// contextID is where the file's facts live: the overlay for files the
	// overlay owns, the baseline otherwise.
	contextID string

	// args are the sanitised compile args; nil when flags are missing or
	// the content is unreadable, which also vetoes parsing.
	args []string

	contentHash string
	flagsHash   string

	// inline carries overlay-provided content for files that do not exist
	// in the local checkout.
	inline *string
}

func (c *classification) parseable() bool {
	return c.args != nil && (c.class == facts.Stale || c.class == facts.Unparsed)
}

// classifyStage runs stage 3: for each candidate, compare the live
// composite hash against the stored one. Fresh files enter the verified
// bucket immediately; stale and unparsed files wait for the parse stage,
// which promotes the ones it manages to refresh.
func (e *Engine) classifyStage(s *session) error {
	baselineID := s.resolved.Chain[len(s.resolved.Chain)-1]
	overlayID := ""
	if len(s.resolved.Chain) > 1 {
		overlayID = s.resolved.Chain[0]
	}

	byContext := make(map[string][]string)
	contextFor := make(map[string]string, len(s.candidates))
	for _, cand := range s.candidates {
		effective := baselineID
		if st, ok := s.resolved.FileStates[cand.FileKey]; ok && overlayID != "" {
			switch st.State {
			case "deleted":
				continue
			case "added", "modified", "renamed":
				effective = overlayID
			}
		}
		contextFor[cand.FileKey] = effective
		byContext[effective] = append(byContext[effective], cand.FileKey)
	}

	tracked := make(map[string]map[string]*storage.TrackedFile, len(byContext))
	for contextID, keys := range byContext {
		batch, err := e.facts.GetTrackedBatch(contextID, keys)
		if err != nil {
			return err
		}
		tracked[contextID] = batch
	}

	s.classified = make([]classification, 0, len(s.candidates))
	for _, cand := range s.candidates {
		effective, ok := contextFor[cand.FileKey]
		if !ok {
			continue
		}
		c := classification{cand: cand, contextID: effective}

		key, err := s.ws.AbsPathForFileKey(cand.FileKey)
		if err != nil {
			s.conf.Warn(envelope.WarnOutsideWorkspace)
			continue
		}
		c.key = key

		if !e.hashContent(s, &c) {
			c.class = facts.Unparsed
			s.conf.Unparsed(cand.FileKey, key.RepoID)
			s.classified = append(s.classified, c)
			continue
		}

		res, ok, err := e.compileDBs.Resolve(s.ws, key.RepoID, key.RelPath, key.AbsPath)
		if err != nil {
			e.logger.Warn("compile db load failed", map[string]interface{}{
				"repo_id": key.RepoID,
				"error":   err.Error(),
			})
			ok = false
		}
		if !ok {
			c.class = facts.MissingFlags
			s.conf.Warn(envelope.WarnMissingCompileDB)
			s.conf.Unparsed(cand.FileKey, key.RepoID)
			s.classified = append(s.classified, c)
			continue
		}
		c.args = hashing.SanitizeArgs(res.Args)
		c.flagsHash = hashing.FlagsHash(res.Args)

		prior := tracked[effective][cand.FileKey]
		if prior == nil {
			c.class = facts.Unparsed
			s.classified = append(s.classified, c)
			continue
		}

		liveIncludes := e.liveIncludesHash(effective, cand.FileKey)
		live := hashing.CompositeHash(c.contentHash, c.flagsHash, liveIncludes)
		if live == prior.CompositeHash {
			c.class = facts.Fresh
			s.conf.Verified(cand.FileKey, key.RepoID)
		} else {
			c.class = facts.Stale
		}
		s.classified = append(s.classified, c)
	}
	return nil
}

// hashContent fills c.contentHash from overlay-inline content, the disk,
// or the overlay's declared hash, in that order. False means the content
// is unreachable and the file cannot be parsed or verified.
func (e *Engine) hashContent(s *session, c *classification) bool {
	if st, ok := s.resolved.FileStates[c.cand.FileKey]; ok {
		if st.Content != nil {
			c.inline = st.Content
			c.contentHash = hashing.ContentHash([]byte(*st.Content))
			return true
		}
		if h, err := hashing.ContentHashFile(c.key.AbsPath); err == nil {
			c.contentHash = h
			return true
		}
		if st.ContentHash != "" {
			// Hash known but bytes unavailable; freshness can be judged but
			// a reparse cannot run.
			c.contentHash = st.ContentHash
			return false
		}
		return false
	}

	h, err := hashing.ContentHashFile(c.key.AbsPath)
	if err != nil {
		return false
	}
	c.contentHash = h
	return true
}

// liveIncludesHash rehashes the stored include closure against current
// header bytes. A header that vanished drops out of the pair set, which
// still perturbs the digest and classifies the includer stale.
func (e *Engine) liveIncludesHash(contextID, fileKey string) string {
	deps, err := e.facts.IncludeDepsOf(contextID, fileKey)
	if err != nil {
		e.logger.Warn("include deps read failed", map[string]interface{}{
			"file_key": fileKey,
			"error":    err.Error(),
		})
		return hashing.IncludesHash(nil)
	}
	pairs := make([]hashing.IncludePair, 0, len(deps))
	for _, dep := range deps {
		if dep.IncludedAbsPath == "" {
			continue
		}
		h, err := hashing.ContentHashFile(dep.IncludedAbsPath)
		if err != nil {
			continue
		}
		pairs = append(pairs, hashing.IncludePair{FileKey: dep.IncludedFileKey, ContentHash: h})
	}
	return hashing.IncludesHash(pairs)
}
