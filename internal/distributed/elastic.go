package distributed

import (
	"fmt"

	"github.com/aws/aws-cifar10-trainer/internal/platform"
)

const RendezvousBackend = "c10d"

// ElasticArgs builds the elastic launcher arguments that start program on every host:
// one process per node on CPU-only hosts, one per GPU otherwise. extra is passed to program unchanged.
func ElasticArgs(env *platform.Environment, masterAddr string, program []string, extra []string) []string {
	nproc := "gpu"
	if env.NumGPUs == "0" {
		nproc = "1"
	}
	args := []string{
		"--rdzv_backend=" + RendezvousBackend,
		"--rdzv_id=" + env.TrainingJobName,
		fmt.Sprintf("--rdzv_endpoint=%s:%d", masterAddr, MasterPort),
		fmt.Sprintf("--nnodes=%d", len(env.Hosts)),
		"--nproc_per_node=" + nproc,
	}
	args = append(args, program...)
	return append(args, extra...)
}
