package enrich

import (
	"context"
	"fmt"
)

// RefreshIdentities re-resolves the role identities of every already
// enriched item and merges the refreshed fields into the stored documents,
// without re-running the connector mapping. Used after the identity store
// has been updated (merged profiles, new enrollments).
func (p *Pipeline) RefreshIdentities(ctx context.Context) (int, error) {
	total := 0
	err := p.raw.Fetch(ctx, p.connector.Backend(), nil, func(item RawItem) error {
		resolved, err := p.resolveRoles(ctx, item)
		if err != nil {
			return err
		}
		fields := Document{}
		p.embedRoles(fields, resolved)
		if err := p.out.MergeFields(ctx, p.index, item.UUID, fields); err != nil {
			return fmt.Errorf("merging identity fields for %s: %w", item.UUID, err)
		}
		total++
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("refreshing identities: %w", err)
	}
	p.logger.Info("identities refreshed", "items", total)
	return total, nil
}

// RefreshProjects re-applies the project map to every enriched document.
// Origins no longer present in the map get an explicit nil project.
func (p *Pipeline) RefreshProjects(ctx context.Context) (int, error) {
	if p.projects == nil {
		return 0, fmt.Errorf("no project map configured")
	}
	total := 0
	err := p.out.Fetch(ctx, p.index, func(doc Document) error {
		uuid, _ := doc[FieldUUID].(string)
		origin, _ := doc[FieldOrigin].(string)
		if uuid == "" {
			return nil
		}
		fields := Document{FieldProject: nil}
		if name, ok := p.projects.Lookup(origin); ok {
			fields[FieldProject] = name
		}
		if err := p.out.MergeFields(ctx, p.index, uuid, fields); err != nil {
			return fmt.Errorf("merging project for %s: %w", uuid, err)
		}
		total++
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("refreshing projects: %w", err)
	}
	p.logger.Info("projects refreshed", "items", total)
	return total, nil
}
