package platform

// Placement statically assigns tasks to platforms. A task pinned by id runs on
// its pinned platform; any other task is assigned to Default, when set.
type Placement struct {
	Pins    map[int]string `yaml:"pins" json:"pins"`
	Default string         `yaml:"default" json:"default"`
}

// Platform returns the platform a task is statically assigned to.
func (p *Placement) Platform(taskID int) (string, bool) {
	if p == nil {
		return "", false
	}
	if name, ok := p.Pins[taskID]; ok && name != "" {
		return name, true
	}
	return p.Default, p.Default != ""
}

// Runs reports whether the task is statically assigned to the named platform.
func (p *Placement) Runs(taskID int, name string) bool {
	assigned, ok := p.Platform(taskID)
	return ok && assigned == name
}
