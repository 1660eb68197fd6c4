// Package distributed bridges platform host discovery to distributed-training
// environment variables and provides the collective operations replicas use to stay in sync.
package distributed

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/aws/aws-cifar10-trainer/internal/platform"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"
)

// MasterPort is the rendezvous port on the first host
const MasterPort = 29400

// Variables read by distributed workers
const (
	EnvNCCLDebug        = "NCCL_DEBUG"
	EnvNCCLSocketIfname = "NCCL_SOCKET_IFNAME"
	EnvMasterAddr       = "MASTER_ADDR"
	EnvMasterPort       = "MASTER_PORT"
	EnvWorldSize        = "WORLD_SIZE"
	EnvNodeRank         = "NODE_RANK"
	EnvRank             = "RANK"
	EnvLocalRank        = "LOCAL_RANK"
	EnvLocalWorldSize   = "LOCAL_WORLD_SIZE"
)

// HostRank is the index of current in hosts
func HostRank(hosts []string, current string) (int, error) {
	rank := slices.Index(hosts, current)
	if rank < 0 {
		return 0, fmt.Errorf("current host %q is not in %v", current, hosts)
	}
	return rank, nil
}

// Resolver maps a host name to an address
type Resolver func(ctx context.Context, host string) (string, error)

// LookupIPv4 resolves host through the system resolver, preferring IPv4 addresses
func LookupIPv4(ctx context.Context, host string) (string, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	for _, addr := range addrs {
		if ip4 := addr.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return addrs[0].IP.String(), nil
}

// Var is one environment assignment
type Var struct {
	Name  string
	Value string
}

// NCCLVars are the communication-library settings shared by both launchers
func NCCLVars(env *platform.Environment) []Var {
	return []Var{
		{EnvNCCLDebug, "INFO"},
		{EnvNCCLSocketIfname, env.NetworkInterfaceName},
	}
}

// MasterAddr resolves the address of the first host
func MasterAddr(ctx context.Context, env *platform.Environment, resolve Resolver) (string, error) {
	if len(env.Hosts) == 0 {
		return "", fmt.Errorf("no hosts")
	}
	return resolve(ctx, env.Hosts[0])
}

// NodeVars computes the variables of a multi-node run where every host is one node
func NodeVars(ctx context.Context, env *platform.Environment, resolve Resolver) ([]Var, error) {
	rank, err := HostRank(env.Hosts, env.CurrentHost)
	if err != nil {
		return nil, err
	}
	addr, err := MasterAddr(ctx, env, resolve)
	if err != nil {
		return nil, err
	}
	vars := append(NCCLVars(env),
		Var{EnvMasterAddr, addr},
		Var{EnvMasterPort, strconv.Itoa(MasterPort)},
		Var{EnvWorldSize, strconv.Itoa(len(env.Hosts))},
		Var{EnvNodeRank, strconv.Itoa(rank)},
	)
	return vars, nil
}

// Apply sets vars in order through setenv
func Apply(vars []Var, setenv func(key, value string) error) error {
	for _, v := range vars {
		klog.Infof("%s=%s", v.Name, v.Value)
		if err := setenv(v.Name, v.Value); err != nil {
			return fmt.Errorf("failed to set %s: %w", v.Name, err)
		}
	}
	return nil
}
