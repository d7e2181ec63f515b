package ecs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/halyard-run/halyard/core"
)

// Fargate constrains task level cpu and memory to fixed enumerations: cpu
// must be one of fargateCPU, and for each cpu value only the memory values
// in fargateMemory[cpu] are accepted.
var fargateCPU = []int64{256, 512, 1024, 2048, 4096}

var fargateMemory = map[int64][]int64{
	256:  {512, 1024, 2048},
	512:  {1024, 2048, 3072, 4096},
	1024: {2048, 3072, 4096, 5120, 6144, 7168, 8192},
	2048: {4096, 5120, 6144, 7168, 8192, 9216, 10240, 11264, 12288, 13312, 14336, 15360, 16384},
	4096: {
		8192, 9216, 10240, 11264, 12288, 13312, 14336, 15360, 16384, 17408, 18432, 19456,
		20480, 21504, 22528, 23552, 24576, 25600, 26624, 27648, 28672, 29696, 30720,
	},
}

// ContainerCPURequired sums the declared per-container cpu shares. Containers
// with no cpu declared contribute nothing.
func ContainerCPURequired(containers []*ContainerDefinition) int64 {
	var total int64
	for _, c := range containers {
		total += c.CPU
	}
	return total
}

// ContainerMemoryRequired returns the larger of the summed hard memory
// ceilings and the summed memory reservations. Using the max of the two sums
// guarantees the task can satisfy every container's hard ceiling at once.
func ContainerMemoryRequired(containers []*ContainerDefinition) int64 {
	var ceilings, floors int64
	for _, c := range containers {
		ceilings += c.Memory
		floors += c.MemoryReservation
	}
	if floors > ceilings {
		return floors
	}
	return ceilings
}

// TaskCPU computes the task level cpu value. declared is the user's task
// level setting, 0 when unset. The result is the platform's string form, or
// "" when no task level cpu should be set (EC2 launch with nothing declared).
//
// The computation is a pure function of its inputs so it gives the same
// answer whether sizing a new task definition or re-validating a rendered
// one.
func TaskCPU(declared, required int64, fargate bool) (string, error) {
	cpu := declared
	if declared != 0 {
		if fargate && !containsInt(fargateCPU, declared) {
			return "", &core.ErrSchema{Msg: fmt.Sprintf(
				"task cpu of %d is not valid for FARGATE tasks; choose one of %s",
				declared, joinInts(fargateCPU),
			)}
		}
	} else {
		if !fargate {
			return "", nil
		}
		for _, fc := range fargateCPU {
			if fc >= required {
				cpu = fc
				break
			}
		}
		if cpu == 0 {
			return "", &core.ErrSchema{Msg: fmt.Sprintf(
				"container cpu sums to %d which exceeds the largest FARGATE task cpu of %d",
				required, fargateCPU[len(fargateCPU)-1],
			)}
		}
	}
	if required > cpu {
		return "", &core.ErrSchema{Msg: fmt.Sprintf(
			"task cpu is %d but container cpu sums to %d; task cpu must cover the sum of container cpu",
			cpu, required,
		)}
	}
	return strconv.FormatInt(cpu, 10), nil
}

// TaskMemory computes the task level memory value given the cpu value chosen
// by TaskCPU. declared is the user's task level setting, 0 when unset. The
// result is the platform's string form, or "" when no task level memory
// should be set.
func TaskMemory(declared int64, taskCPU string, required int64, fargate bool) (string, error) {
	if !fargate {
		if declared == 0 {
			return "", nil
		}
		if required > declared {
			return "", &core.ErrSchema{Msg: fmt.Sprintf(
				"task memory is %dMB but container memory sums to %dMB; task memory must cover the sum of container memory",
				declared, required,
			)}
		}
		return strconv.FormatInt(declared, 10), nil
	}

	cpu, err := strconv.ParseInt(taskCPU, 10, 64)
	if err != nil {
		return "", &core.ErrSchema{Msg: fmt.Sprintf("task cpu %q is not an integer", taskCPU)}
	}
	legal, ok := fargateMemory[cpu]
	if !ok {
		return "", &core.ErrSchema{Msg: fmt.Sprintf(
			"task cpu of %d is not valid for FARGATE tasks; choose one of %s",
			cpu, joinInts(fargateCPU),
		)}
	}

	if declared != 0 {
		if !containsInt(legal, declared) {
			return "", &core.ErrSchema{Msg: fmt.Sprintf(
				"with task cpu=%d, task memory of %dMB is not valid; valid values are %s",
				cpu, declared, joinInts(legal),
			)}
		}
		if required > declared {
			return "", &core.ErrSchema{Msg: fmt.Sprintf(
				"task memory is %dMB but container memory sums to %dMB; task memory must cover the sum of container memory",
				declared, required,
			)}
		}
		return strconv.FormatInt(declared, 10), nil
	}

	for _, mem := range legal {
		if mem >= required {
			return strconv.FormatInt(mem, 10), nil
		}
	}
	return "", &core.ErrSchema{Msg: fmt.Sprintf(
		"with task cpu=%d the maximum memory available is %dMB but the containers need %dMB; set task cpu to one of %s",
		cpu, legal[len(legal)-1], required, joinInts(cpusAccommodating(required)),
	)}
}

// cpusAccommodating lists the FARGATE cpu values whose memory enumeration can
// hold at least required MB.
func cpusAccommodating(required int64) []int64 {
	var fits []int64
	for _, cpu := range fargateCPU {
		legal := fargateMemory[cpu]
		if legal[len(legal)-1] >= required {
			fits = append(fits, cpu)
		}
	}
	return fits
}

func containsInt(vals []int64, v int64) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

func joinInts(vals []int64) string {
	strs := make([]string, len(vals))
	for i, v := range vals {
		strs[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(strs, ", ")
}
