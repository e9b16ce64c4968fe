package main

import (
	"regexp"
	"strings"
)

const defaultServiceName = "isostore"

var (
	// <deployment>-<replicaset hash>-<pod suffix>
	deploymentPod = regexp.MustCompile(`^(.+)-[a-z0-9]{6,10}-[a-z0-9]{5}$`)
	// <statefulset>-<ordinal>
	statefulSetPod = regexp.MustCompile(`^(.+)-\d+$`)
)

// dephealthName — имя сервиса для метрик зависимостей.
// В Kubernetes hostname пода заменяется именем владельца.
func dephealthName(hostname string) string {
	name := parseOwnerName(strings.TrimSpace(hostname))
	if name == "" {
		return defaultServiceName
	}
	return name
}

// parseOwnerName отрезает от hostname суффиксы пода Deployment или StatefulSet.
func parseOwnerName(hostname string) string {
	if m := deploymentPod.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	if m := statefulSetPod.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	return hostname
}
