// Package gitlab maps archived GitLab issues and merge requests to
// enriched documents.
package gitlab

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/assadOW2/grimoirelab-elk/internal/enrich"
	"github.com/assadOW2/grimoirelab-elk/internal/identity"
)

const (
	RoleUser     = "user_data"
	RoleAssignee = "assignee_data"
)

// user is an author-like reference inside a GitLab payload. Every field is
// optional in the source schema.
type user struct {
	Username *string `json:"username"`
	Name     *string `json:"name"`
	Email    *string `json:"email"`
	WebURL   *string `json:"web_url"`
}

// issue is the payload of one archived GitLab issue or merge request.
type issue struct {
	ID        *int64   `json:"id"`
	Title     *string  `json:"title"`
	State     *string  `json:"state"`
	CreatedAt *string  `json:"created_at"`
	UpdatedAt *string  `json:"updated_at"`
	ClosedAt  *string  `json:"closed_at"`
	WebURL    *string  `json:"web_url"`
	Labels    []string `json:"labels"`
	Author    *user    `json:"author"`
	Assignee  *user    `json:"assignee"`
}

// Connector implements enrich.Connector for GitLab.
type Connector struct {
	// Now substitutes the wall clock used for time_open_days of items that
	// are not closed yet.
	Now func() time.Time
}

// New creates a GitLab connector.
func New() *Connector {
	return &Connector{Now: time.Now}
}

func (c *Connector) Backend() string {
	return "gitlab"
}

func (c *Connector) Roles() []string {
	return []string{RoleUser, RoleAssignee}
}

func (c *Connector) AuthorRole() string {
	return RoleUser
}

func (c *Connector) SchemaFragment() map[string]enrich.FieldType {
	return map[string]enrich.FieldType{
		"title_analyzed": enrich.TypeText,
	}
}

// Identities extracts the author and assignee descriptors. Absent roles
// are skipped; malformed payloads yield no identities rather than an
// error, mapping reports those later.
func (c *Connector) Identities(item enrich.RawItem) map[string]identity.Descriptor {
	var iss issue
	if err := json.Unmarshal(item.Data, &iss); err != nil {
		return nil
	}
	ids := make(map[string]identity.Descriptor)
	if d, ok := userIdentity(iss.Author); ok {
		ids[RoleUser] = d
	}
	if d, ok := userIdentity(iss.Assignee); ok {
		ids[RoleAssignee] = d
	}
	return ids
}

func userIdentity(u *user) (identity.Descriptor, bool) {
	if u == nil {
		return identity.Descriptor{}, false
	}
	d := identity.Descriptor{
		Username: u.Username,
		Name:     u.Name,
		Email:    u.Email,
	}
	if d.Empty() {
		return identity.Descriptor{}, false
	}
	return d, true
}

// Rich flattens one issue or merge request. Every optional source field
// maps to an explicit nil when absent.
func (c *Connector) Rich(item enrich.RawItem, resolved map[string]identity.Canonical) (enrich.Document, error) {
	var iss issue
	if err := json.Unmarshal(item.Data, &iss); err != nil {
		return nil, fmt.Errorf("decoding gitlab payload: %w", err)
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(item.Data, &keys); err != nil {
		return nil, fmt.Errorf("decoding gitlab payload: %w", err)
	}
	if iss.CreatedAt == nil {
		return nil, fmt.Errorf("gitlab item %s has no created_at", item.UUID)
	}
	created, ok := enrich.ParseRawTime(*iss.CreatedAt)
	if !ok {
		return nil, fmt.Errorf("gitlab item %s: unparseable created_at %q", item.UUID, *iss.CreatedAt)
	}

	doc := enrich.Document{
		"id":             derefInt(iss.ID),
		"title":          derefStr(iss.Title),
		"title_analyzed": derefStr(iss.Title),
		"state":          derefStr(iss.State),
		"created_at":     derefStr(iss.CreatedAt),
		"updated_at":     derefStr(iss.UpdatedAt),
		"closed_at":      derefStr(iss.ClosedAt),
		"url":            derefStr(iss.WebURL),
		"labels":         strings.Join(iss.Labels, ";;"),
	}

	doc["id_in_repo"] = nil
	doc["repository"] = nil
	doc["gitlab_repo"] = nil
	doc["url_id"] = nil
	if iss.WebURL != nil {
		idInRepo, repository, repo := splitWebURL(*iss.WebURL)
		doc["id_in_repo"] = idInRepo
		doc["repository"] = repository
		doc["gitlab_repo"] = repo
		doc["url_id"] = repo + "/issues/" + idInRepo
	}

	doc["user_login"] = nil
	doc["user_name"] = nil
	doc["user_web_url"] = nil
	if iss.Author != nil {
		doc["user_login"] = derefStr(iss.Author.Username)
		doc["user_name"] = derefStr(iss.Author.Username)
		doc["user_web_url"] = derefStr(iss.Author.WebURL)
	}
	doc["assignee_login"] = nil
	doc["assignee_name"] = nil
	doc["assignee_web_url"] = nil
	if iss.Assignee != nil {
		doc["assignee_login"] = derefStr(iss.Assignee.Username)
		doc["assignee_name"] = derefStr(iss.Assignee.Name)
		doc["assignee_web_url"] = derefStr(iss.Assignee.WebURL)
	}

	// Merge requests carry a head (or a pull_request reference in older
	// archives); plain issues carry neither.
	_, hasHead := keys["head"]
	_, hasPR := keys["pull_request"]
	pullRequest := hasHead || hasPR
	doc["pull_request"] = pullRequest
	if pullRequest {
		doc["item_type"] = "pull request"
		doc["is_gitlab_pull_request"] = 1
	} else {
		doc["item_type"] = "issue"
		doc["is_gitlab_issue"] = 1
	}

	doc["time_to_close_days"] = nil
	if iss.ClosedAt != nil {
		if closed, ok := enrich.ParseRawTime(*iss.ClosedAt); ok {
			doc["time_to_close_days"] = enrich.DaysBetween(created, closed)
		}
	}
	if iss.State != nil && *iss.State == "closed" {
		doc["time_open_days"] = doc["time_to_close_days"]
	} else {
		// Still open: substitute now for the close timestamp. The value
		// grows across runs until the item closes.
		doc["time_open_days"] = enrich.DaysBetween(created, c.Now().UTC())
	}

	doc[enrich.FieldCreationDate] = created.UTC().Format(time.RFC3339)
	return doc, nil
}

// splitWebURL breaks an issue URL such as
// https://gitlab.com/group/project/issues/42 into the id in the
// repository, the repository URL and the group/project name.
func splitWebURL(webURL string) (idInRepo, repository, repo string) {
	trimmed := strings.TrimRight(webURL, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) > 0 {
		idInRepo = parts[len(parts)-1]
	}
	if len(parts) >= 3 {
		repository = strings.Join(parts[:len(parts)-2], "/")
	}
	repoParts := strings.Split(repository, "/")
	if len(repoParts) >= 2 {
		repo = strings.Join(repoParts[len(repoParts)-2:], "/")
	}
	return idInRepo, repository, repo
}

func derefStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func derefInt(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}
