// Package buildfile loads a build description from YAML.
//
// A build file lists tasks with their actions, dependencies and timeouts:
//
//	continue_on_failure: true
//	tasks:
//	  - name: compile
//	    timeout: 30s
//	    action: {kind: sleep, duration_ms: 1000}
//	  - name: test
//	    depends_on: [compile]
//	    action: {kind: echo, lines: [ok]}
//
// Timeouts use Go duration syntax. A negative timeout is loaded as given; the
// engine fails that task with a configuration error before the build runs.
package buildfile

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/seantiz/vigil/internal/model"
)

// File is a parsed build file.
type File struct {
	ContinueOnFailure bool   `yaml:"continue_on_failure"`
	MaxParallel       int    `yaml:"max_parallel"`
	Tasks             []Task `yaml:"tasks"`
}

// Task is one task entry of a build file.
type Task struct {
	Name      string       `yaml:"name"`
	Isolation string       `yaml:"isolation"`
	Timeout   string       `yaml:"timeout"`
	DependsOn []string     `yaml:"depends_on"`
	Action    model.Action `yaml:"action"`
}

// Load reads and parses the build file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses a build file.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parse build file: %w", err)
	}
	for i, t := range f.Tasks {
		if t.Timeout == "" {
			continue
		}
		if _, err := time.ParseDuration(t.Timeout); err != nil {
			return nil, fmt.Errorf("task %d (%s): invalid timeout %q", i, t.Name, t.Timeout)
		}
	}
	return &f, nil
}

// ModelTasks converts the file's entries to tasks ready for the engine.
func (f *File) ModelTasks() []*model.Task {
	tasks := make([]*model.Task, len(f.Tasks))
	for i, t := range f.Tasks {
		mt := &model.Task{
			Name:      t.Name,
			Isolation: t.Isolation,
			Action:    t.Action,
			DependsOn: t.DependsOn,
		}
		if t.Timeout != "" {
			// Parse already rejected malformed durations.
			d, _ := time.ParseDuration(t.Timeout)
			mt.SetTimeout(d)
		}
		tasks[i] = mt
	}
	return tasks
}
