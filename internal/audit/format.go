// SPDX-License-Identifier: MIT

package audit

import (
	"strconv"
	"strings"
)

func join(values []string) string {
	return strings.Join(values, ",")
}

func formatInt(v int) string {
	return strconv.Itoa(v)
}
