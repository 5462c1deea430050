package daemon

import (
	"os"
	"strconv"
	"strings"
)

func readPID(pidPath string) int {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

func currentPIDString() string {
	return strconv.Itoa(os.Getpid())
}
