package services

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opswatch/opswatch/internal/database"
)

// DependencyService manages the device-dependency graph on behalf of
// operators and auto-discovery tooling.
type DependencyService struct {
	deps *database.DependencyStore
}

// NewDependencyService creates a new DependencyService
func NewDependencyService(deps *database.DependencyStore) *DependencyService {
	return &DependencyService{deps: deps}
}

// AddDependency records that deviceIP depends on dependsOnIP
func (s *DependencyService) AddDependency(deviceIP, dependsOnIP string, depType database.DependencyType, description, createdBy string) (*database.Dependency, error) {
	dep := &database.Dependency{
		DeviceIP:       deviceIP,
		DependsOnIP:    dependsOnIP,
		DependencyType: depType,
		Description:    description,
		CreatedBy:      createdBy,
	}
	if err := s.deps.Create(dep); err != nil {
		return nil, err
	}
	return dep, nil
}

// RemoveDependency deletes the edge for the ordered pair
func (s *DependencyService) RemoveDependency(deviceIP, dependsOnIP string) error {
	return s.deps.Delete(deviceIP, dependsOnIP)
}

// ListDependencies returns the whole graph
func (s *DependencyService) ListDependencies() ([]database.Dependency, error) {
	return s.deps.ListAll()
}

// ListForDevice returns the edges touching a device on either end
func (s *DependencyService) ListForDevice(deviceIP string) ([]database.Dependency, error) {
	return s.deps.ListForDevice(deviceIP)
}

// seedFile is the YAML shape dropped by operators or discovery tooling
type seedFile struct {
	Dependencies []seedEntry `yaml:"dependencies"`
}

type seedEntry struct {
	DeviceIP    string   `yaml:"device_ip"`
	DependsOnIP string   `yaml:"depends_on_ip"`
	Type        string   `yaml:"type,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Confidence  *float64 `yaml:"confidence,omitempty"`
}

// ImportSeedFile idempotently loads dependency edges from a YAML file.
// Existing pairs are updated rather than duplicated; invalid entries are
// skipped with a log line so one bad edge cannot block the rest. Returns the
// number of edges applied.
func (s *DependencyService) ImportSeedFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read dependency seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("failed to parse dependency seed file: %w", err)
	}

	applied := 0
	for _, entry := range seed.Dependencies {
		if entry.DeviceIP == "" || entry.DependsOnIP == "" {
			log.Printf("Skipping seed entry with missing device_ip or depends_on_ip")
			continue
		}

		depType := database.DependencyTypeNetwork
		switch database.DependencyType(entry.Type) {
		case database.DependencyTypePower:
			depType = database.DependencyTypePower
		case database.DependencyTypeCompute:
			depType = database.DependencyTypeCompute
		}

		dep := &database.Dependency{
			DeviceIP:       entry.DeviceIP,
			DependsOnIP:    entry.DependsOnIP,
			DependencyType: depType,
			Description:    entry.Description,
			AutoDiscovered: true,
			Confidence:     entry.Confidence,
			CreatedBy:      "seed",
		}
		if err := s.deps.Ensure(dep); err != nil {
			log.Printf("Skipping seed edge %s -> %s: %v", entry.DeviceIP, entry.DependsOnIP, err)
			continue
		}
		applied++
	}

	log.Printf("Dependency seed import applied %d of %d edges from %s", applied, len(seed.Dependencies), path)
	return applied, nil
}
