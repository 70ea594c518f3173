package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"trackline/internal/domain"
	"trackline/internal/repo"
)

const defaultKeyPrefix = "PROJ"

// KeyPrefix derives the item key prefix from a project name: the first four
// ASCII letters, uppercased.
func KeyPrefix(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
			if b.Len() == 4 {
				break
			}
		}
	}
	if b.Len() == 0 {
		return defaultKeyPrefix
	}
	return strings.ToUpper(b.String())
}

// maxKeyNumber returns the highest number among keys shaped PREFIX-N.
func maxKeyNumber(prefix string, keys []string) (int, bool) {
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `-(\d+)$`)
	highest, found := 0, false
	for _, k := range keys {
		m := pattern.FindStringSubmatch(k)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		found = true
		if n > highest {
			highest = n
		}
	}
	return highest, found
}

// allocateKeys reads the newest keys of the project and returns n
// consecutive keys after the highest one. The caller inserts them in the
// same transaction and retries on a uniqueness violation.
func (e Engine) allocateKeys(ctx context.Context, q repo.Querier, p domain.Project, n int) ([]string, error) {
	prefix := KeyPrefix(p.Name)
	recent, err := e.Repo.RecentKeys(ctx, q, p.ID, e.keyScanWindow())
	if err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	next := 0
	if highest, ok := maxKeyNumber(prefix, recent); ok {
		next = highest + 1
	} else {
		count, err := e.Repo.CountItems(ctx, q, p.ID)
		if err != nil {
			return nil, err
		}
		next = count + 1
	}
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s-%d", prefix, next+i)
	}
	return keys, nil
}
