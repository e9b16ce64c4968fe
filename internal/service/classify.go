package service

import "strings"

// osRule — правило эвристической классификации по имени файла.
type osRule struct {
	substrings []string
	category   string
	osFamily   string // пусто — совпавшая подстрока
}

// osRules проверяются по порядку, побеждает первое совпадение.
// Результат — подсказка для каталога, а не достоверные метаданные.
var osRules = []osRule{
	{substrings: []string{"windows", "win10", "win11"}, category: "windows", osFamily: "windows"},
	{substrings: []string{
		"ubuntu", "debian", "fedora", "centos", "kali", "arch", "mint",
		"manjaro", "alpine", "opensuse", "truenas", "proxmox", "unraid",
	}, category: "linux"},
	{substrings: []string{"linux"}, category: "linux", osFamily: "linux"},
}

// ClassifyFilename угадывает категорию и семейство ОС по имени файла.
// Для нераспознанных имён возвращает "other" и пустое семейство.
func ClassifyFilename(filename string) (category, osFamily string) {
	f := strings.ToLower(filename)
	for _, rule := range osRules {
		for _, s := range rule.substrings {
			if strings.Contains(f, s) {
				if rule.osFamily != "" {
					return rule.category, rule.osFamily
				}
				return rule.category, s
			}
		}
	}
	return "other", ""
}
