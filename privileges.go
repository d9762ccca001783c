package main

import (
	"fmt"
	"os"
	"os/user"

	"go.uber.org/zap"
)

// getOriginalUser gets the user who invoked sudo
func getOriginalUser() (*user.User, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return nil, fmt.Errorf("SUDO_USER environment variable not found")
	}
	return user.Lookup(sudoUser)
}

// missingCapabilities lists what is needed to load and attach a tracepoint
// program and absent from effective. CAP_SYS_ADMIN alone is enough on
// kernels that predate CAP_BPF.
func missingCapabilities(effective uint64) []string {
	has := func(c int) bool { return effective&(1<<uint(c)) != 0 }
	if has(capSysAdmin) {
		return nil
	}

	var missing []string
	if !has(capBPF) {
		missing = append(missing, "CAP_BPF")
	}
	if !has(capPerfmon) {
		missing = append(missing, "CAP_PERFMON")
	}
	if len(missing) > 0 {
		missing = append(missing, "CAP_SYS_ADMIN")
	}
	return missing
}

// checkPrivileges warns when loading is likely to be refused. The kernel
// has the final say, so nothing here is fatal.
func checkPrivileges(logger *zap.Logger) {
	effective, err := effectiveCapabilities()
	if err != nil {
		logger.Warn("Could not read process capabilities", zap.Error(err))
		return
	}
	missing := missingCapabilities(effective)
	if len(missing) == 0 {
		return
	}

	fields := []zap.Field{zap.Strings("missing", missing)}
	if u, err := getOriginalUser(); err == nil {
		fields = append(fields, zap.String("sudo_user", u.Username))
	}
	logger.Warn("Missing capabilities for loading BPF programs, run as root or grant CAP_BPF and CAP_PERFMON", fields...)
}
