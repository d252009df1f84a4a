package quota

import "strings"

// CostForSize 按输出尺寸计费：4K 扣 4 次，2K 扣 2 次，其余 1 次
func CostForSize(size string) int {
	s := strings.ToUpper(size)
	switch {
	case strings.Contains(s, "4K"):
		return 4
	case strings.Contains(s, "2K"):
		return 2
	}
	return 1
}
