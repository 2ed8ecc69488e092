package iface

import (
	"fmt"

	"github.com/myriadx/mxpcid/mxerr"
)

func errUnknownInterface(id int) error {
	return mxerr.New(mxerr.ConfigInvalid, "iface.Router", fmt.Errorf("unknown interface %d", id))
}
