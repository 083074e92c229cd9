package database

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrSelfDependency is returned when an edge would point a device at itself
var ErrSelfDependency = errors.New("device cannot depend on itself")

// DependencyStore provides persistence for the device-dependency graph.
// The graph is read-only from the correlation engine's perspective; edges are
// created and removed by operators or the seed importer.
type DependencyStore struct {
	db *gorm.DB
}

// NewDependencyStore creates a new DependencyStore
func NewDependencyStore(db *gorm.DB) *DependencyStore {
	return &DependencyStore{db: db}
}

// Create inserts a dependency edge. Self-dependencies are rejected and the
// ordered pair (device_ip, depends_on_ip) is unique.
func (s *DependencyStore) Create(dep *Dependency) error {
	if dep.DeviceIP == "" || dep.DependsOnIP == "" {
		return errors.New("device_ip and depends_on_ip are required")
	}
	if dep.DeviceIP == dep.DependsOnIP {
		return ErrSelfDependency
	}
	if dep.DependencyType == "" {
		dep.DependencyType = DependencyTypeNetwork
	}
	return s.db.Create(dep).Error
}

// Ensure creates the edge if missing, or updates its metadata if the pair
// already exists.
func (s *DependencyStore) Ensure(dep *Dependency) error {
	if dep.DeviceIP == dep.DependsOnIP {
		return ErrSelfDependency
	}

	var existing Dependency
	err := s.db.Where("device_ip = ? AND depends_on_ip = ?", dep.DeviceIP, dep.DependsOnIP).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.Create(dep)
	}
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"dependency_type": dep.DependencyType,
		"description":     dep.Description,
		"auto_discovered": dep.AutoDiscovered,
		"confidence":      dep.Confidence,
	}
	if err := s.db.Model(&existing).Updates(updates).Error; err != nil {
		return err
	}
	dep.ID = existing.ID
	return nil
}

// Delete removes the edge for the ordered pair
func (s *DependencyStore) Delete(deviceIP, dependsOnIP string) error {
	result := s.db.Where("device_ip = ? AND depends_on_ip = ?", deviceIP, dependsOnIP).
		Delete(&Dependency{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("dependency %s -> %s not found", deviceIP, dependsOnIP)
	}
	return nil
}

// ListAll returns every edge in the graph
func (s *DependencyStore) ListAll() ([]Dependency, error) {
	var deps []Dependency
	err := s.db.Order("device_ip ASC, depends_on_ip ASC").Find(&deps).Error
	return deps, err
}

// ListForDevice returns the edges where the device appears on either end
func (s *DependencyStore) ListForDevice(deviceIP string) ([]Dependency, error) {
	var deps []Dependency
	err := s.db.Where("device_ip = ? OR depends_on_ip = ?", deviceIP, deviceIP).
		Find(&deps).Error
	return deps, err
}

// UpstreamOf returns the devices the given device directly depends on
// (a single hop; the correlation engine walks the closure iteratively).
func (s *DependencyStore) UpstreamOf(deviceIP string) ([]string, error) {
	var ips []string
	err := s.db.Model(&Dependency{}).Where("device_ip = ?", deviceIP).
		Pluck("depends_on_ip", &ips).Error
	return ips, err
}
