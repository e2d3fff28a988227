package vkhot

import (
	"fmt"
	"strings"

	vk "github.com/vulkan-go/vulkan"
)

// InstanceExtensions gets a list of instance extensions available on the platform.
func InstanceExtensions() (names []string, err error) {
	defer checkErr(&err)

	var count uint32
	ret := vk.EnumerateInstanceExtensionProperties("", &count, nil)
	orPanic(NewError(ret))
	list := make([]vk.ExtensionProperties, count)
	ret = vk.EnumerateInstanceExtensionProperties("", &count, list)
	orPanic(NewError(ret))
	for _, ext := range list {
		ext.Deref()
		names = append(names, vk.ToString(ext.ExtensionName[:]))
	}
	return names, err
}

// DeviceExtensions gets a list of extensions available on the provided physical device.
func DeviceExtensions(gpu vk.PhysicalDevice) (names []string, err error) {
	defer checkErr(&err)

	var count uint32
	ret := vk.EnumerateDeviceExtensionProperties(gpu, "", &count, nil)
	orPanic(NewError(ret))
	list := make([]vk.ExtensionProperties, count)
	ret = vk.EnumerateDeviceExtensionProperties(gpu, "", &count, list)
	orPanic(NewError(ret))
	for _, ext := range list {
		ext.Deref()
		names = append(names, vk.ToString(ext.ExtensionName[:]))
	}
	return names, err
}

// ValidationLayers gets a list of validation layers available on the platform.
func ValidationLayers() (names []string, err error) {
	defer checkErr(&err)

	var count uint32
	ret := vk.EnumerateInstanceLayerProperties(&count, nil)
	orPanic(NewError(ret))
	list := make([]vk.LayerProperties, count)
	ret = vk.EnumerateInstanceLayerProperties(&count, list)
	orPanic(NewError(ret))
	for _, layer := range list {
		layer.Deref()
		names = append(names, vk.ToString(layer.LayerName[:]))
	}
	return names, err
}

const end = "\x00"

func safeString(s string) string {
	if strings.HasSuffix(s, end) {
		return s
	}
	return s + end
}

func safeStrings(list []string) []string {
	out := make([]string, len(list))
	for i := range list {
		out[i] = safeString(list[i])
	}
	return out
}

// checkExisting returns the wanted names present in actual, NUL terminated
// for the driver, and the names that are missing. Duplicates are dropped.
func checkExisting(actual, wanted []string) (existing, missing []string) {
	have := make(map[string]bool, len(actual))
	for _, name := range actual {
		have[strings.TrimSuffix(name, end)] = true
	}
	seen := make(map[string]bool, len(wanted))
	for _, name := range wanted {
		name = strings.TrimSuffix(name, end)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if have[name] {
			existing = append(existing, safeString(name))
		} else {
			missing = append(missing, name)
		}
	}
	return existing, missing
}

// selectNames resolves required and wanted names against what the driver
// offers. A missing required name is an error; missing wanted names are
// only reported.
func selectNames(kind string, actual, required, wanted []string) (enabled []string, err error) {
	enabled, missing := checkExisting(actual, required)
	if len(missing) > 0 {
		return nil, fmt.Errorf("vulkan: missing required %s: %s", kind, strings.Join(missing, ", "))
	}
	extra, missingWanted := checkExisting(actual, wanted)
	if len(missingWanted) > 0 {
		Logger().Sugar().Warnf("vulkan: %s not available: %s", kind, strings.Join(missingWanted, ", "))
	}
	for _, name := range extra {
		if !contains(enabled, name) {
			enabled = append(enabled, name)
		}
	}
	return enabled, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
