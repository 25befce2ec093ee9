/*************************************************************************
 * Copyright 2018 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package version reports the TSI build identity returned by
// TSI_PING/TSI_PING_UID, per original_source's TSI.py MY_VERSION
// constant.
package version

import (
	"fmt"
	"io"
	"time"
)

const (
	MajorVersion int = 8
	MinorVersion int = 3
	PointVersion int = 0
)

var BuildDate time.Time = time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

// String returns the version string written verbatim on the wire for
// TSI_PING, e.g. "8.3.0".
func String() string {
	return fmt.Sprintf("%d.%d.%d", MajorVersion, MinorVersion, PointVersion)
}

func PrintVersion(wtr io.Writer) {
	fmt.Fprintf(wtr, "Version:\t%s\n", String())
	fmt.Fprintf(wtr, "BuildDate:\t%s\n", BuildDate.Format(`2006-01-02 15:04:05`))
}
