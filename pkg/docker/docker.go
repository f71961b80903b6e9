package docker

import (
	"context"
	"errors"
	"fmt"
	_docker "github.com/fsouza/go-dockerclient"
	"github.com/golang/glog"
	"io"
	"path"
	"strings"
	"time"
)

var (
	ErrExitCode = errors.New("container-exit-code")
	ErrNoImage  = errors.New("no-image")
)

// Client is the slice of the docker api the runner needs.
type Client interface {
	InspectImage(name string) (*_docker.Image, error)
	PullImage(opts _docker.PullImageOptions, auth _docker.AuthConfiguration) error
	ListContainers(opts _docker.ListContainersOptions) ([]_docker.APIContainers, error)
	CreateContainer(opts _docker.CreateContainerOptions) (*_docker.Container, error)
	StartContainerWithContext(id string, hostConfig *_docker.HostConfig, ctx context.Context) error
	WaitContainerWithContext(id string, ctx context.Context) (int, error)
	Logs(opts _docker.LogsOptions) error
	RemoveContainer(opts _docker.RemoveContainerOptions) error
}

type Docker struct {
	Endpoint string

	docker Client
}

type Container struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
}

type Image struct {
	Registry   string `json:"registry"`
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

func (this Image) ImageString() string {
	s := this.Repository
	if this.Tag != "" {
		s = s + ":" + this.Tag
	}
	return s
}

func (this Image) Url() string {
	return path.Join(this.Registry, this.ImageString())
}

// ParseImage splits [registry/]repository[:tag].  A first segment is a
// registry only when it looks like a host.
func ParseImage(ref string) Image {
	image := Image{}
	rest := ref
	if i := strings.Index(rest, "/"); i > 0 {
		first := rest[0:i]
		if strings.ContainsAny(first, ".:") || first == "localhost" {
			image.Registry = first
			rest = rest[i+1:]
		}
	}
	if i := strings.LastIndex(rest, ":"); i > strings.LastIndex(rest, "/") {
		image.Tag = rest[i+1:]
		rest = rest[0:i]
	}
	image.Repository = rest
	return image
}

// RunSpec describes a run-once container job.
type RunSpec struct {
	Image       string            `json:"image" yaml:"image"`
	Name        string            `json:"container_name,omitempty" yaml:"container_name,omitempty"`
	Cmd         []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Env         map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	NetworkMode string            `json:"network_mode,omitempty" yaml:"network_mode,omitempty"`
	Tty         bool              `json:"tty,omitempty" yaml:"tty,omitempty"`
	AutoRemove  bool              `json:"auto_remove,omitempty" yaml:"auto_remove,omitempty"`
	// Pull the image even when it is present locally.
	ForcePull bool `json:"force_pull,omitempty" yaml:"force_pull,omitempty"`
}

// NewClient connects to the endpoint, e.g. tcp://docker-proxy:2375.  An empty
// or "auto" version negotiates with the daemon.
func NewClient(endpoint, version string) (*Docker, error) {
	var c *_docker.Client
	var err error
	switch version {
	case "", "auto":
		c, err = _docker.NewClient(endpoint)
	default:
		c, err = _docker.NewVersionedClient(endpoint, version)
	}
	if err != nil {
		return nil, err
	}
	return &Docker{Endpoint: endpoint, docker: c}, nil
}

func New(endpoint string, client Client) *Docker {
	return &Docker{Endpoint: endpoint, docker: client}
}

func env_list(env map[string]string) []string {
	list := []string{}
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	return list
}

func (this *Docker) ensure_image(ctx context.Context, ref string, force bool) error {
	if ref == "" {
		return ErrNoImage
	}
	if !force {
		if _, err := this.docker.InspectImage(ref); err == nil {
			return nil
		} else if err != _docker.ErrNoSuchImage {
			return err
		}
	}
	image := ParseImage(ref)
	repository := image.Repository
	if image.Registry != "" {
		repository = image.Registry + "/" + image.Repository
	}
	tag := image.Tag
	if tag == "" {
		tag = "latest"
	}
	glog.Infoln("Pulling image", image.Url(), "from", repository, "tag=", tag)
	return this.docker.PullImage(_docker.PullImageOptions{
		Repository: repository,
		Registry:   image.Registry,
		Tag:        tag,
		Context:    ctx,
	}, _docker.AuthConfiguration{})
}

// remove_existing force removes containers left behind with the same name.
func (this *Docker) remove_existing(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	list, err := this.docker.ListContainers(_docker.ListContainersOptions{
		All:     true,
		Filters: map[string][]string{"name": {name}},
		Context: ctx,
	})
	if err != nil {
		return err
	}
	for _, cc := range list {
		for _, n := range cc.Names {
			if strings.TrimPrefix(n, "/") == name {
				glog.Infoln("Removing existing container", name, cc.ID)
				if err := this.remove(ctx, cc.ID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (this *Docker) remove(ctx context.Context, id string) error {
	err := this.docker.RemoveContainer(_docker.RemoveContainerOptions{
		ID:            id,
		RemoveVolumes: true,
		Force:         true,
		Context:       ctx,
	})
	if _, ok := err.(*_docker.NoSuchContainer); ok {
		return nil
	}
	return err
}

// RunOnce runs the container to completion, streaming its output to out.  A
// non zero exit code is reported as ErrExitCode.
func (this *Docker) RunOnce(ctx context.Context, spec RunSpec, out io.Writer) (*Container, error) {
	if err := this.ensure_image(ctx, spec.Image, spec.ForcePull); err != nil {
		return nil, err
	}
	if err := this.remove_existing(ctx, spec.Name); err != nil {
		return nil, err
	}

	// The daemon's AutoRemove can delete the container before the wait is
	// issued, losing the exit code.  AutoRemove is applied after the wait.
	host := &_docker.HostConfig{
		NetworkMode: spec.NetworkMode,
	}
	cc, err := this.docker.CreateContainer(_docker.CreateContainerOptions{
		Name: spec.Name,
		Config: &_docker.Config{
			Image:        spec.Image,
			Cmd:          spec.Cmd,
			Env:          env_list(spec.Env),
			Tty:          spec.Tty,
			AttachStdout: true,
			AttachStderr: true,
		},
		HostConfig: host,
		Context:    ctx,
	})
	if err != nil {
		return nil, err
	}
	container := &Container{Id: cc.ID, Name: spec.Name, Image: spec.Image}
	if spec.AutoRemove {
		defer func() {
			// the job's context may be done by now
			rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := this.remove(rctx, cc.ID); err != nil {
				glog.Warningln("Cannot remove container", cc.ID, "Err=", err)
			}
		}()
	}

	if err := this.docker.StartContainerWithContext(cc.ID, nil, ctx); err != nil {
		return container, err
	}

	logs_done := make(chan struct{})
	if out == nil {
		close(logs_done)
	} else {
		go func() {
			defer close(logs_done)
			err := this.docker.Logs(_docker.LogsOptions{
				Context:      ctx,
				Container:    cc.ID,
				OutputStream: out,
				ErrorStream:  out,
				Stdout:       true,
				Stderr:       true,
				Follow:       true,
				RawTerminal:  spec.Tty,
			})
			if err != nil && ctx.Err() == nil {
				glog.Warningln("Log stream ended", cc.ID, "Err=", err)
			}
		}()
	}

	code, err := this.docker.WaitContainerWithContext(cc.ID, ctx)
	if err != nil {
		if ctx.Err() != nil {
			// stop the job with the run
			this.remove(context.Background(), cc.ID)
		}
		return container, err
	}
	select {
	case <-logs_done:
	case <-time.After(5 * time.Second):
		glog.Warningln("Log stream still open", cc.ID)
	}
	glog.Infoln("Container", spec.Name, cc.ID, "exited with", code)
	if code != 0 {
		return container, fmt.Errorf("%w: %d", ErrExitCode, code)
	}
	return container, nil
}
