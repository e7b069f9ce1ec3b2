package command

import (
	"github.com/hashicorp/cli"
)

// Meta carries the options every gateway command inherits.
type Meta struct {
	Ui cli.Ui
}
