package ratelimit

// IPKey scopes a limit to a client address
func IPKey(ip string) string { return "ip:" + ip }

// TenantKey scopes a limit to a tenant
func TenantKey(tenantID string) string { return "tenant:" + tenantID }

// EndpointKey scopes a limit to a named endpoint
func EndpointKey(name string) string { return "endpoint:" + name }
