package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"roomops/internal/domain"
)

// ErrSeedMissing is returned when an artifact's seed file does not exist.
var ErrSeedMissing = errors.New("seed file not found")

// Fingerprint is the content address stored by the room runtime:
// sha256("name|type|workspace|tag1,tag2|base64(content)") as lowercase hex.
// Tags keep their declared order; reordering them changes the fingerprint.
func Fingerprint(a domain.ArtifactSeedSpec, content []byte) string {
	payload := strings.Join([]string{
		a.Name,
		a.Type,
		a.Workspace,
		strings.Join(a.Tags, ","),
		base64.StdEncoding.EncodeToString(content),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// SeedReader loads seed files. Relative seedFrom paths resolve against Dir.
type SeedReader struct {
	Dir string
}

func (r SeedReader) Path(a domain.ArtifactSeedSpec) string {
	if filepath.IsAbs(a.SeedFrom) || r.Dir == "" {
		return a.SeedFrom
	}
	return filepath.Join(r.Dir, a.SeedFrom)
}

func (r SeedReader) Read(ctx context.Context, a domain.ArtifactSeedSpec) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := r.Path(a)
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSeedMissing, p)
		}
		return nil, fmt.Errorf("read seed %s: %w", p, err)
	}
	return data, nil
}

// Order returns artifacts so that each one follows everything it depends on.
// Independent artifacts keep their declared order. Dependencies on names not
// in the list are ignored here; cycles are reported as an error.
func Order(in []domain.ArtifactSeedSpec) ([]domain.ArtifactSeedSpec, error) {
	index := make(map[string]int, len(in))
	for i, a := range in {
		if _, dup := index[a.Name]; !dup {
			index[a.Name] = i
		}
	}
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(in))
	out := make([]domain.ArtifactSeedSpec, 0, len(in))
	var visit func(i int, path []string) error
	visit = func(i int, path []string) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("artifact dependency cycle: %s", strings.Join(append(path, in[i].Name), " -> "))
		}
		state[i] = visiting
		for _, dep := range in[i].DependsOn {
			j, ok := index[dep]
			if !ok {
				continue
			}
			if err := visit(j, append(path, in[i].Name)); err != nil {
				return err
			}
		}
		state[i] = done
		out = append(out, in[i])
		return nil
	}
	for i := range in {
		if err := visit(i, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}
