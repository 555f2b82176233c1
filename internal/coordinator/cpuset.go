package coordinator

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// cpuRow is one /proc/cpuinfo logical-processor entry, trimmed to the
// fields spec section 4.9 names: "reading /proc/cpuinfo and constructing
// one CPU set per physical core" groups logical processors sharing a
// (physical id, core id) pair into the same set.
type cpuRow struct {
	processor  int
	physicalID int
	coreID     int
}

// readCPUInfo parses /proc/cpuinfo's "processor", "physical id", and "core
// id" fields, grounded on the original's get_cpuinfo/thread.c get_cpuset:
// every row must see all three fields before the next "processor" line
// starts a new one, matching /proc/cpuinfo's one-block-per-logical-CPU
// layout.
func readCPUInfo(r io.Reader) ([]cpuRow, error) {
	var rows []cpuRow
	var cur cpuRow
	have := 0 // bitmask: 1=processor, 2=physical id, 4=core id

	flush := func() {
		if have == 7 {
			rows = append(rows, cur)
		}
		cur = cpuRow{}
		have = 0
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		switch key {
		case "processor":
			if have&1 != 0 {
				flush()
			}
			n, err := strconv.Atoi(val)
			if err != nil {
				continue
			}
			cur.processor = n
			have |= 1
		case "physical id":
			n, err := strconv.Atoi(val)
			if err != nil {
				continue
			}
			cur.physicalID = n
			have |= 2
		case "core id":
			n, err := strconv.Atoi(val)
			if err != nil {
				continue
			}
			cur.coreID = n
			have |= 4
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// buildCPUSets groups /proc/cpuinfo's logical processors by (physical id,
// core id), one unix.CPUSet per distinct physical core, matching
// thread.c's get_cpuset: "CPU_SET(cpus[i].processor, &cpuset[j])" for the
// core group j that (physical_id, core_id) first maps to.
func buildCPUSets(rows []cpuRow) []unix.CPUSet {
	type coreKey struct{ physicalID, coreID int }
	index := make(map[coreKey]int)
	var sets []unix.CPUSet

	for _, row := range rows {
		key := coreKey{row.physicalID, row.coreID}
		j, ok := index[key]
		if !ok {
			j = len(sets)
			index[key] = j
			sets = append(sets, unix.CPUSet{})
		}
		sets[j].Set(row.processor)
	}
	return sets
}

// cpuSetsFromProc reads /proc/cpuinfo and returns one CPU set per physical
// core found. Returns nil if reading fails or no cores are found, so a
// caller enabling -U/--pin-cpu on a platform without
// a readable /proc/cpuinfo degrades to "no pinning" rather than failing
// the whole run.
func cpuSetsFromProc() []unix.CPUSet {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return nil
	}
	defer f.Close()

	rows, err := readCPUInfo(f)
	if err != nil || len(rows) == 0 {
		return nil
	}
	return buildCPUSets(rows)
}
