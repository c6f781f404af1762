// Package httpd manages the apache2 side of the deployment: the alias
// configuration exposing the archive directory and its enabled marker.
package httpd

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ConfName is the apache configuration this agent owns
const ConfName = "ddebs"

// Unit is the apache service unit reloaded after configuration changes
const Unit = "apache2.service"

// Conf renders the alias rule exposing the archive directory with directory
// listing and symlink following, readable by everyone.
func Conf(archiveDir string) []byte {
	return []byte(fmt.Sprintf(`# Managed by ddebsyncd.
Alias / %s/
<Directory />
  Options Indexes MultiViews FollowSymLinks
  Require all granted
</Directory>
`, archiveDir))
}

// Enabler turns an available apache configuration on
type Enabler interface {
	// EnableConf registers the named configuration, the step a2enconf performs.
	EnableConf(ctx context.Context, name string) error
}

// ShellEnabler implements Enabler via a2enconf
type ShellEnabler struct{}

// NewShellEnabler creates a new apache conf enabler
func NewShellEnabler() *ShellEnabler {
	return &ShellEnabler{}
}

// EnableConf enables the named configuration
func (e *ShellEnabler) EnableConf(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "a2enconf", name)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("a2enconf %s failed: %w: %s", name, err, strings.TrimSpace(string(output)))
	}
	return nil
}
