package distributed

import (
	"fmt"
	"strconv"

	"github.com/aws/aws-cifar10-trainer/internal/platform"
)

// World describes this process' place in a distributed run
type World struct {
	Rank           int
	LocalRank      int
	WorldSize      int
	LocalWorldSize int
	NodeRank       int
	MasterAddr     string
	MasterPort     int
}

// SingleProcess is the world of a run without any distributed variables
var SingleProcess = World{WorldSize: 1, LocalWorldSize: 1, MasterAddr: "127.0.0.1", MasterPort: MasterPort}

func (w World) IsGlobalZero() bool {
	return w.Rank == 0
}

// WorldFromEnv reads the launcher variables. The global rank is RANK when set,
// otherwise NODE_RANK*LOCAL_WORLD_SIZE+LOCAL_RANK.
func WorldFromEnv(lookup platform.LookupFunc) (World, error) {
	w := SingleProcess
	var err error
	intVar := func(name string, dst *int) {
		v, ok := lookup(name)
		if !ok || v == "" || err != nil {
			return
		}
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			err = fmt.Errorf("%s=%q is not an integer", name, v)
			return
		}
		*dst = n
	}
	intVar(EnvWorldSize, &w.WorldSize)
	intVar(EnvLocalWorldSize, &w.LocalWorldSize)
	intVar(EnvLocalRank, &w.LocalRank)
	intVar(EnvNodeRank, &w.NodeRank)
	intVar(EnvMasterPort, &w.MasterPort)
	w.Rank = w.NodeRank*w.LocalWorldSize + w.LocalRank
	intVar(EnvRank, &w.Rank)
	if err != nil {
		return World{}, err
	}
	if addr, ok := lookup(EnvMasterAddr); ok && addr != "" {
		w.MasterAddr = addr
	}
	if w.WorldSize < 1 || w.Rank < 0 || w.Rank >= w.WorldSize {
		return World{}, fmt.Errorf("rank %d is outside a world of size %d", w.Rank, w.WorldSize)
	}
	return w, nil
}
