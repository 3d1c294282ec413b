package endpoint

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/galadd/cluman/internal/model"
)

// isDecodeError reports whether err is a malformed-JSON failure, the race
// §4.1 calls out: inspect_container sometimes gets a 200 with truncated
// JSON while the daemon is mid-delete. Callers degrade this to "gone".
func isDecodeError(err error) bool {
	if err == nil {
		return false
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func toModelContainer(cs container.Summary) model.Container {
	var ports []model.PortMapping
	for _, p := range cs.Ports {
		ports = append(ports, model.PortMapping{
			HostPort:      int(p.PublicPort),
			ContainerPort: int(p.PrivatePort),
			Protocol:      p.Type,
		})
	}
	name := strings.TrimPrefix(firstOf(cs.Names), "/")
	return model.Container{
		ID:      cs.ID,
		Name:    name,
		Image:   parseImageRef(cs.Image),
		ImageID: cs.ImageID,
		Labels:  cs.Labels,
		Ports:   ports,
		Status:  cs.Status,
	}
}

func firstOf(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func inspectToModel(info container.InspectResponse) model.Container {
	c := model.Container{
		ID:     info.ID,
		Name:   strings.TrimPrefix(info.Name, "/"),
		Status: info.State.Status,
	}
	if info.Config != nil {
		c.Image = parseImageRef(info.Config.Image)
		c.Env = splitEnv(info.Config.Env)
		c.Command = info.Config.Cmd
		c.Labels = info.Config.Labels
	}
	return c
}

func splitEnv(env []string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

// parseImageRef splits a "[registry/]repository/name[:tag|@digest]" image
// string into the four-component model.ImageRef of §3.
func parseImageRef(s string) model.ImageRef {
	ref := model.ImageRef{}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		ref.Digest = s[at+1:]
		s = s[:at]
	} else if colon := strings.LastIndex(s, ":"); colon >= 0 && !strings.Contains(s[colon:], "/") {
		ref.Tag = s[colon+1:]
		s = s[:colon]
	}
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 1:
		ref.Name = parts[0]
	case 2:
		ref.Repository = parts[0]
		ref.Name = parts[1]
	default:
		ref.Registry = parts[0]
		ref.Repository = strings.Join(parts[1:len(parts)-1], "/")
		ref.Name = parts[len(parts)-1]
	}
	return ref
}

func toContainerConfig(spec model.CreateSpec) (*container.Config, *container.HostConfig, error) {
	exposed := network.PortSet{}
	bindings := network.PortMap{}
	for _, pm := range spec.Ports {
		port, err := network.ParsePort(fmt.Sprintf("%d/%s", pm.ContainerPort, pm.Protocol))
		if err != nil {
			return nil, nil, fmt.Errorf("endpoint: parse port %d/%s: %w", pm.ContainerPort, pm.Protocol, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []network.PortBinding{{HostPort: fmt.Sprintf("%d", pm.HostPort)}}
	}

	var env []string
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:        spec.Image.String(),
		Cmd:          spec.Command,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(spec.Host.RestartPolicy)},
		NetworkMode:  container.NetworkMode(spec.Host.NetworkMode),
		Resources: container.Resources{
			CPUShares: spec.Host.CPUShares,
			Memory:    spec.Host.MemoryBytes,
		},
	}
	return cfg, hostCfg, nil
}

// decodeLines copies newline-delimited progress output from r to sink,
// used by PullImage's progress reporting.
func decodeLines(r io.Reader, sink func(line string)) error {
	if sink == nil {
		_, err := io.Copy(io.Discard, r)
		return err
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		sink(scanner.Text())
	}
	return scanner.Err()
}
