// Package options defines structs for the flagsets passed to the container
// engine CLIs that the backend probes shell out to.
package options

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
)

// DockerInspect are the flags for `docker inspect` / `podman inspect`.
type DockerInspect struct {
	// Format renders the output using the given go template
	Format string `flag:"--format"`
	// Type returns JSON for the specified type
	Type string `flag:"--type"`
}

// CtrTasks are the global flags for `ctr ... tasks ls`.
type CtrTasks struct {
	// Namespace is the containerd namespace to query
	Namespace string `flag:"--namespace"`
	// Address is the containerd socket address
	Address string `flag:"--address"`
}

// CrictlPs are the flags for `crictl ps`.
type CrictlPs struct {
	// Name filters by container name regular expression pattern
	Name string `flag:"--name"`
	// Pod filters by pod ID
	Pod string `flag:"--pod"`
	// State filters by container state
	State string `flag:"--state"`
	// Quiet prints only the container IDs
	Quiet bool `flag:"--quiet"`
}

// CrictlPods are the flags for `crictl pods`.
type CrictlPods struct {
	// Name filters by pod name regular expression pattern
	Name string `flag:"--name"`
	// Quiet prints only the pod IDs
	Quiet bool `flag:"--quiet"`
}

// CrictlInspect are the flags for `crictl inspect`.
type CrictlInspect struct {
	// Output is the output format (json, yaml, go-template, table)
	Output string `flag:"--output"`
	// Template is the go template used when Output is go-template
	Template string `flag:"--template"`
}

// MachinectlShow are the flags for `machinectl show`.
type MachinectlShow struct {
	// Property limits output to the given machine property
	Property string `flag:"--property"`
	// Value prints only the property value, without the NAME= prefix
	Value bool `flag:"--value"`
}

// LXCInfo are the flags for `lxc-info`.
type LXCInfo struct {
	// Name is the container name
	Name string `flag:"--name"`
	// PID requests the init PID
	PID bool `flag:"-p"`
	// NoHumanize prints values on a single line, machine readable
	NoHumanize bool `flag:"-H"`
}

// ToArgs creates an array of strings that you can pass to exec.Command(...) as CLI args.
func ToArgs[T any](s *T) []string {
	if s == nil {
		s = new(T)
	}
	var ret []string
	st := reflect.TypeOf(*s)
	sv := reflect.ValueOf(*s)
	if st.Kind() == reflect.Pointer {
		sv = reflect.Indirect(sv)
		st = sv.Type()
	}
	for i := range st.NumField() {
		field := st.Field(i)
		fv := sv.Field(i)
		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			fvi := fv.Interface()
			ret = append(ret, ToArgs(&fvi)...)
			continue
		}
		flagTag, ok := field.Tag.Lookup("flag")
		if !ok {
			continue
		}
		flagParts := strings.Split(flagTag, ",")
		flagName := flagParts[0]
		keepZero := false
		if len(flagParts) > 1 {
			if strings.ToLower(flagParts[1]) == "keepzero" {
				keepZero = true
			}
		}
		v := reflect.ValueOf(fv.Interface())

		if !keepZero && v.IsZero() {
			continue
		}
		if ret == nil {
			ret = []string{}
		}
		flagValue := ""
		fieldKind := field.Type.Kind()
		if fieldKind == reflect.Array || fieldKind == reflect.Slice {
			for i := 0; i < fv.Len(); i++ {
				av := fv.Index(i)
				ret = append(ret, flagName)
				ret = append(ret, fmt.Sprintf("%v", av))
			}
			continue
		} else if fieldKind == reflect.Map {
			mapVals := []string{}
			m := v.Interface().(map[string]string)
			keyIter := maps.Keys(m)
			keys := slices.Sorted(keyIter)
			for _, k := range keys {
				v := m[k]
				mapVals = append(mapVals, fmt.Sprintf("%v=%v", k, v))
			}
			flagValue = strings.Join(mapVals, ",")
		} else if fieldKind != reflect.Bool {
			flagValue = fmt.Sprintf("%v", fv.Interface())
		}
		ret = append(ret, flagName)
		if flagValue != "" {
			ret = append(ret, flagValue)
		}
	}
	return ret
}
