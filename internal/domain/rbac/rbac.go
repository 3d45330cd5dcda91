// Пакет rbac — определение роли субъекта по группам Keycloak.
// Роли: shipper (владелец котировок и полисов), underwriter (ручное
// рассмотрение котировок и проверка документов), admin (полный доступ).
// Любой аутентифицированный пользователь без привилегированных групп — shipper.
package rbac

// Роли в порядке возрастания привилегий.
const (
	RoleShipper     = "shipper"
	RoleUnderwriter = "underwriter"
	RoleAdmin       = "admin"
)

// roleWeight — вес роли для сравнения.
// Чем выше вес, тем больше привилегий.
var roleWeight = map[string]int{
	RoleShipper:     1,
	RoleUnderwriter: 2,
	RoleAdmin:       3,
}

// maxRole возвращает роль с максимальными привилегиями из двух.
func maxRole(a, b string) string {
	wa := roleWeight[a]
	wb := roleWeight[b]
	if wa >= wb {
		return a
	}
	return b
}

// HighestRole возвращает максимальную роль из набора.
// Если набор пуст — возвращает пустую строку.
func HighestRole(roles []string) string {
	if len(roles) == 0 {
		return ""
	}
	highest := roles[0]
	for _, r := range roles[1:] {
		highest = maxRole(highest, r)
	}
	return highest
}

// MapGroupsToRole определяет роль пользователя по его группам Keycloak.
// Проверяет принадлежность к underwriterGroups и adminGroups; при
// нескольких совпадениях берётся максимальная роль. Без совпадений —
// роль по умолчанию shipper.
func MapGroupsToRole(groups []string, underwriterGroups, adminGroups []string) string {
	underwriterSet := toSet(underwriterGroups)
	adminSet := toSet(adminGroups)

	role := RoleShipper
	for _, g := range groups {
		if adminSet[g] {
			role = maxRole(role, RoleAdmin)
		}
		if underwriterSet[g] {
			role = maxRole(role, RoleUnderwriter)
		}
	}
	return role
}

// IsValidRole проверяет, является ли строка допустимой ролью.
func IsValidRole(role string) bool {
	_, ok := roleWeight[role]
	return ok
}

// toSet конвертирует срез строк в map для быстрого поиска.
func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}
