package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	agonesv1 "agones.dev/agones/pkg/apis/agones/v1"
	agonesclientset "agones.dev/agones/pkg/client/clientset/versioned"
	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// TaskLabel carries the spawn task id on every GameServer this package
// creates.
const TaskLabel = "gameserver-coordinator/task-id"

const (
	defaultAgonesPort    = 7777
	defaultAgonesTimeout = 30 * time.Second
	defaultAgonesPoll    = time.Second
	gameServerContainer  = "gameserver"
)

// AgonesLauncher starts each task as its own Agones GameServer. The
// process handshake still goes through the game server's session; Agones
// only runs the container.
type AgonesLauncher struct {
	Client    agonesclientset.Interface
	Namespace string
	Image     string
	// Port is the container port the game server listens on.
	Port        int32
	Coordinator string
	Env         []corev1.EnvVar
	// Timeout bounds each API call; PollInterval paces Wait.
	Timeout      time.Duration
	PollInterval time.Duration
}

// NewAgonesClient returns an Agones typed clientset using in-cluster config or local kubeconfig.
func NewAgonesClient() (agonesclientset.Interface, error) {
	// Try in-cluster config first
	if cfg, err := rest.InClusterConfig(); err == nil {
		return agonesclientset.NewForConfig(cfg)
	}
	// Fallback to local kubeconfig
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
	cfg, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, err
	}
	return agonesclientset.NewForConfig(cfg)
}

func (a *AgonesLauncher) namespace() string {
	if a.Namespace == "" {
		return "default"
	}
	return a.Namespace
}

func (a *AgonesLauncher) timeout() time.Duration {
	if a.Timeout <= 0 {
		return defaultAgonesTimeout
	}
	return a.Timeout
}

// GameServer builds the GameServer for spec without creating it.
func (a *AgonesLauncher) GameServer(spec LaunchSpec) *agonesv1.GameServer {
	port := a.Port
	if port <= 0 {
		port = defaultAgonesPort
	}
	env := make([]corev1.EnvVar, len(a.Env))
	copy(env, a.Env)
	return &agonesv1.GameServer{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "gs-" + strings.ToLower(spec.TaskID),
			Namespace: a.namespace(),
			Labels:    map[string]string{TaskLabel: spec.TaskID},
		},
		Spec: agonesv1.GameServerSpec{
			Container: gameServerContainer,
			Ports: []agonesv1.GameServerPort{{
				Name:          "default",
				PortPolicy:    agonesv1.Dynamic,
				ContainerPort: port,
				Protocol:      corev1.ProtocolUDP,
			}},
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  gameServerContainer,
						Image: a.Image,
						Args:  launchArgs(spec, a.Coordinator),
						Env:   env,
					}},
				},
			},
		},
	}
}

func (a *AgonesLauncher) Launch(spec LaunchSpec) (Process, error) {
	if a.Client == nil {
		return nil, errors.New("supervisor: no Agones client configured")
	}
	if a.Image == "" {
		return nil, errors.New("supervisor: no game server image configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout())
	defer cancel()

	gs := a.GameServer(spec)
	created, err := a.Client.AgonesV1().GameServers(gs.Namespace).Create(ctx, gs, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("supervisor: create GameServer %s: %w", gs.Name, err)
	}
	log.Info().Str("taskId", spec.TaskID).Str("namespace", created.Namespace).Str("gameServerName", created.Name).Msg("supervisor: GameServer created")
	return &gameServerProcess{launcher: a, name: created.Name, namespace: created.Namespace}, nil
}

type gameServerProcess struct {
	launcher  *AgonesLauncher
	name      string
	namespace string
}

// Pid is always 0; a GameServer has no pid on this host.
func (p *gameServerProcess) Pid() int { return 0 }

// Wait polls the GameServer until it shuts down, fails, or is deleted.
// Shutdown exits 0, Error and Unhealthy exit 1 and a deleted GameServer
// exits -1, as a killed process does.
func (p *gameServerProcess) Wait() (int, error) {
	interval := p.launcher.PollInterval
	if interval <= 0 {
		interval = defaultAgonesPoll
	}
	client := p.launcher.Client.AgonesV1().GameServers(p.namespace)
	code := 0
	err := wait.PollUntilContextCancel(context.Background(), interval, true, func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, p.launcher.timeout())
		defer cancel()
		gs, err := client.Get(ctx, p.name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			code = -1
			return true, nil
		}
		if err != nil {
			log.Warn().Err(err).Str("gameServerName", p.name).Msg("supervisor: GameServer status check failed")
			return false, nil
		}
		switch gs.Status.State {
		case agonesv1.GameServerStateShutdown:
			code = 0
			return true, nil
		case agonesv1.GameServerStateError, agonesv1.GameServerStateUnhealthy:
			log.Warn().Str("gameServerName", p.name).Str("state", string(gs.Status.State)).Msg("supervisor: GameServer failed")
			code = 1
			if err := p.Kill(); err != nil {
				log.Warn().Err(err).Str("gameServerName", p.name).Msg("supervisor: failed GameServer not deleted")
			}
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return -1, err
	}
	return code, nil
}

// Kill deletes the GameServer. Deleting one that is already gone is not
// an error.
func (p *gameServerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.launcher.timeout())
	defer cancel()
	err := p.launcher.Client.AgonesV1().GameServers(p.namespace).Delete(ctx, p.name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("supervisor: delete GameServer %s: %w", p.name, err)
	}
	return nil
}
