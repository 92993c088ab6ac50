package spec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"roomops/internal/artifacts"
	"roomops/internal/domain"
)

const (
	APIVersion = "roomops/v1"
	Kind       = "RoomSpec"
)

var ErrInvalid = errors.New("invalid room spec")

var dmVisibilities = map[string]bool{"": true, "team": true, "private": true, "public": true}

// ValidationError lists every problem found in a spec.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalid, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// Load reads a spec from a .yaml, .yml or .json file and validates it.
func Load(path string) (domain.RoomSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.RoomSpec{}, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FromJSON(data)
	}
	return FromYAML(data)
}

func FromYAML(data []byte) (domain.RoomSpec, error) {
	var s domain.RoomSpec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return domain.RoomSpec{}, fmt.Errorf("invalid spec yaml: %w", err)
	}
	if err := Validate(s); err != nil {
		return domain.RoomSpec{}, err
	}
	return s, nil
}

func FromJSON(data []byte) (domain.RoomSpec, error) {
	var s domain.RoomSpec
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.RoomSpec{}, fmt.Errorf("invalid spec json: %w", err)
	}
	if err := Validate(s); err != nil {
		return domain.RoomSpec{}, err
	}
	return s, nil
}

// Validate checks structure only; it does not touch seed files or the runtime.
func Validate(s domain.RoomSpec) error {
	var problems []string
	if s.APIVersion != APIVersion {
		problems = append(problems, fmt.Sprintf("apiVersion must be %q", APIVersion))
	}
	if s.Kind != Kind {
		problems = append(problems, fmt.Sprintf("kind must be %q", Kind))
	}
	if strings.TrimSpace(s.Metadata.Name) == "" {
		problems = append(problems, "metadata.name is required")
	}
	if s.Metadata.Version < 0 {
		problems = append(problems, "metadata.version must be >= 0")
	}
	if strings.TrimSpace(s.Spec.RoomID) == "" {
		problems = append(problems, "spec.roomId is required")
	}

	entityIDs := map[string]bool{}
	for i, e := range s.Spec.Entities {
		if strings.TrimSpace(e.ID) == "" {
			problems = append(problems, fmt.Sprintf("spec.entities[%d].id is required", i))
			continue
		}
		if entityIDs[e.ID] {
			problems = append(problems, fmt.Sprintf("duplicate entity id %s", e.ID))
		}
		entityIDs[e.ID] = true
	}

	names := map[string]bool{}
	for i, a := range s.Spec.Artifacts {
		if strings.TrimSpace(a.Name) == "" {
			problems = append(problems, fmt.Sprintf("spec.artifacts[%d].name is required", i))
			continue
		}
		if names[a.Name] {
			problems = append(problems, fmt.Sprintf("duplicate artifact name %s", a.Name))
		}
		names[a.Name] = true
	}
	for _, a := range s.Spec.Artifacts {
		for _, dep := range a.DependsOn {
			if dep == a.Name {
				problems = append(problems, fmt.Sprintf("artifact %s depends on itself", a.Name))
			} else if !names[dep] {
				problems = append(problems, fmt.Sprintf("artifact %s depends on unknown artifact %s", a.Name, dep))
			}
		}
	}
	if _, err := artifacts.Order(s.Spec.Artifacts); err != nil {
		problems = append(problems, err.Error())
	}

	p := s.Spec.Policies
	if !dmVisibilities[p.DMVisibilityDefault] {
		problems = append(problems, fmt.Sprintf("policies.dmVisibilityDefault %q must be one of team, private, public", p.DMVisibilityDefault))
	}
	if p.MaxArtifactsPerEntity < 0 {
		problems = append(problems, "policies.maxArtifactsPerEntity must be >= 0")
	}

	resources := map[string]bool{}
	for i, r := range s.Spec.Resources {
		if strings.TrimSpace(r.Name) == "" {
			problems = append(problems, fmt.Sprintf("spec.resources[%d].name is required", i))
			continue
		}
		if resources[r.Name] {
			problems = append(problems, fmt.Sprintf("duplicate resource name %s", r.Name))
		}
		resources[r.Name] = true
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Entity finds the desired entity with the given id.
func Entity(s domain.RoomSpec, id string) (domain.EntitySpec, bool) {
	for _, e := range s.Spec.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return domain.EntitySpec{}, false
}

func Artifact(s domain.RoomSpec, name string) (domain.ArtifactSeedSpec, bool) {
	for _, a := range s.Spec.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return domain.ArtifactSeedSpec{}, false
}
