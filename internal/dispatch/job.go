package dispatch

import (
	"fmt"
	"path"
	"path/filepath"

	"fleet-admin/internal/elevation"
	"fleet-admin/internal/ssh"
)

// DefaultSuccessMessage prefixes the per-host success line of a plain command
const DefaultSuccessMessage = "Command completed"

// StagingDir is where uploads land before being installed with sudo
const StagingDir = "/tmp"

// Job is the unit of work run on every host of the topology
type Job struct {
	Command        string
	Sudo           bool
	SuccessMessage string
	Upload         *Upload
}

// Upload stages a local file on the host before Command runs
type Upload struct {
	LocalPath  string
	RemotePath string
	Transfer   ssh.Transfer
}

// CommandJob runs cmd on every host, through sudo when sudo is set
func CommandJob(cmd string, sudo bool) Job {
	return Job{Command: cmd, Sudo: sudo, SuccessMessage: DefaultSuccessMessage}
}

// DeployJob copies a local file into remoteDir on every host. The file is
// staged under StagingDir as the login user, then installed with sudo.
func DeployJob(localPath, remoteDir string, transfer ssh.Transfer) Job {
	base := filepath.Base(localPath)
	staged := path.Join(StagingDir, ".fleet-admin-"+base)
	target := path.Join(remoteDir, base)
	return Job{
		Command: fmt.Sprintf("mkdir -p %s && cp %s %s && rm -f %s",
			elevation.Quote(remoteDir), elevation.Quote(staged), elevation.Quote(target), elevation.Quote(staged)),
		Sudo:           true,
		SuccessMessage: "Deploying " + base,
		Upload:         &Upload{LocalPath: localPath, RemotePath: staged, Transfer: transfer},
	}
}

func (j Job) successMessage() string {
	if j.SuccessMessage == "" {
		return DefaultSuccessMessage
	}
	return j.SuccessMessage
}
