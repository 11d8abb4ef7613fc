// Package provision manages operator accounts from the command line: a YAML
// file declares the desired operators and Apply reconciles the store with it.
// Tokens are opaque lookup keys, generated once and never derived from
// operator data.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/omrchecker/omrd/app/store"
)

// File is the operators declaration loaded from YAML
type File struct {
	Operators []Entry `yaml:"operators"`
}

// Entry declares one operator. Token is optional: left empty a new one is
// generated on create. An entry with a token matching an existing operator
// updates that operator's webhook URL instead of creating a duplicate.
type Entry struct {
	Token      string `yaml:"token,omitempty"`
	WebhookURL string `yaml:"webhook_url"`
}

// Load reads and validates the operators file
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path) // nolint gosec // path comes from the cli flag
	if err != nil {
		return nil, fmt.Errorf("failed to read operators file %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse operators file %s: %w", path, err)
	}

	if len(f.Operators) == 0 {
		return nil, fmt.Errorf("operators file %s declares no operators", path)
	}
	for i, entry := range f.Operators {
		if entry.WebhookURL == "" {
			return nil, fmt.Errorf("operator %d: webhook_url is required", i+1)
		}
		if !strings.HasPrefix(entry.WebhookURL, "http://") && !strings.HasPrefix(entry.WebhookURL, "https://") {
			return nil, fmt.Errorf("operator %d: webhook_url %q must be http(s)", i+1, entry.WebhookURL)
		}
	}
	return &f, nil
}

// Result reports what Apply did for one entry
type Result struct {
	Operator store.Operator
	Created  bool
}

// Apply reconciles the store with the declared operators: entries with a
// known token update the webhook URL in place, the rest become new operators
// with freshly generated tokens. Returns one result per entry, in file order.
func Apply(ctx context.Context, repo *store.OperatorRepo, f *File) ([]Result, error) {
	results := make([]Result, 0, len(f.Operators))
	for i, entry := range f.Operators {
		if entry.Token != "" {
			existing, err := repo.FindByToken(ctx, entry.Token)
			switch {
			case err == nil:
				existing.WebhookURL = entry.WebhookURL
				if err := repo.Update(ctx, existing); err != nil {
					return results, fmt.Errorf("operator %d: failed to update %s: %w", i+1, existing.ID, err)
				}
				log.Printf("[INFO] updated operator %s, webhook %s", existing.ID, existing.WebhookURL)
				results = append(results, Result{Operator: existing})
				continue
			case !errors.Is(err, store.ErrNotFound):
				return results, fmt.Errorf("operator %d: failed to look up token: %w", i+1, err)
			}
		}

		op := store.Operator{
			ID:         newOperatorID(),
			Token:      entry.Token,
			WebhookURL: entry.WebhookURL,
			CreatedAt:  time.Now().UTC(),
		}
		if op.Token == "" {
			op.Token = uuid.NewString()
		}
		if err := repo.Create(ctx, op); err != nil {
			return results, fmt.Errorf("operator %d: failed to create: %w", i+1, err)
		}
		log.Printf("[INFO] created operator %s, webhook %s", op.ID, op.WebhookURL)
		results = append(results, Result{Operator: op, Created: true})
	}
	return results, nil
}

// newOperatorID makes ids like op_9f8e7d6c5b4a
func newOperatorID() string {
	id := uuid.New()
	return "op_" + strings.ReplaceAll(id.String(), "-", "")[:12]
}
