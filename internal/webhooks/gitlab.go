// Package webhooks ingests GitLab push and merge-request events and
// turns them into sync jobs. Delivery is verified with the shared
// secret token; events are routed to workspace repos by the project
// path declared in the manifest.
package webhooks

import (
	"encoding/json"
	"strings"

	"cxxkb/internal/cxxerr"
)

// GitLab event header values we act on.
const (
	EventPush         = "Push Hook"
	EventMergeRequest = "Merge Request Hook"
)

// pushEvent is the subset of GitLab's push payload we consume.
type pushEvent struct {
	ObjectKind  string `json:"object_kind"`
	Ref         string `json:"ref"`
	CheckoutSHA string `json:"checkout_sha"`
	After       string `json:"after"`
	Project     struct {
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
}

// mrEvent is the subset of GitLab's merge-request payload we consume.
type mrEvent struct {
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes struct {
		Action       string `json:"action"`
		SourceBranch string `json:"source_branch"`
		LastCommit   struct {
			ID string `json:"id"`
		} `json:"last_commit"`
	} `json:"object_attributes"`
	Project struct {
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
}

// syncIntent is a parsed event reduced to what the job engine needs.
type syncIntent struct {
	ProjectPath string
	Ref         string
	SHA         string
	EventType   string
}

// parseEvent reduces a raw delivery to a sync intent. Intents the
// service should ignore (branch deletions, MR closes) come back nil
// with no error.
func parseEvent(eventType string, body []byte) (*syncIntent, error) {
	switch eventType {
	case EventPush:
		var ev pushEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, cxxerr.Wrap(cxxerr.ValidationError, "malformed push payload", err)
		}
		if ev.ObjectKind != "push" {
			return nil, cxxerr.Newf(cxxerr.ValidationError, "unexpected object_kind %q for push hook", ev.ObjectKind)
		}
		sha := ev.CheckoutSHA
		if sha == "" {
			sha = ev.After
		}
		// A branch deletion pushes the zero SHA; nothing to sync.
		if sha == "" || strings.Trim(sha, "0") == "" {
			return nil, nil
		}
		return &syncIntent{
			ProjectPath: ev.Project.PathWithNamespace,
			Ref:         strings.TrimPrefix(ev.Ref, "refs/heads/"),
			SHA:         sha,
			EventType:   "push",
		}, nil

	case EventMergeRequest:
		var ev mrEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, cxxerr.Wrap(cxxerr.ValidationError, "malformed merge request payload", err)
		}
		switch ev.ObjectAttributes.Action {
		case "open", "reopen", "update":
		default:
			return nil, nil
		}
		if ev.ObjectAttributes.LastCommit.ID == "" {
			return nil, nil
		}
		return &syncIntent{
			ProjectPath: ev.Project.PathWithNamespace,
			Ref:         ev.ObjectAttributes.SourceBranch,
			SHA:         ev.ObjectAttributes.LastCommit.ID,
			EventType:   "merge_request",
		}, nil

	default:
		return nil, cxxerr.Newf(cxxerr.ValidationError, "unsupported event type %q", eventType)
	}
}
