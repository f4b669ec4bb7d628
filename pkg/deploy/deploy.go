// Package deploy implements the two deployers that together discover local
// reality and plan the convergence tree: the ManifestationDeployer (local
// dataset/manifestation state) and the ApplicationDeployer (local container
// state plus the full 11-phase plan). Each deployer covers one concern;
// composing them is the caller's job (see NodeDeployer below and
// pkg/driver), per the explicit design note against reproducing a single
// do-everything adapter.
package deploy

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuemby/flotilla/pkg/change"
	"github.com/cuemby/flotilla/pkg/linkenv"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/types"
)

// ManifestationDeployer discovers local dataset manifestations and
// contributes them to cluster-state planning. It never computes any
// changes of its own: manifestation lifecycle is driven entirely by the
// ApplicationDeployer's phase plan (CreateDataset, ResizeDataset, and so
// on), which call into the storage pool directly.
type ManifestationDeployer struct {
	Hostname string
	NodeID   string
	Pool     change.StoragePool
}

// DiscoverState enumerates the storage pool's filesystems, keeps those
// whose OwnerID matches this node's identity, and reports them as primary
// manifestations.
func (m *ManifestationDeployer) DiscoverState(ctx context.Context) (map[string]*types.Manifestation, map[string]string, error) {
	filesystems, err := m.Pool.Enumerate(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("manifestation discovery: enumerate: %w", err)
	}

	manifestations := make(map[string]*types.Manifestation)
	paths := make(map[string]string)
	for _, fs := range filesystems {
		if fs.OwnerID() != m.NodeID {
			continue
		}
		size, err := fs.Size()
		if err != nil {
			log.WithComponent("manifestation-deployer").Warn().
				Err(err).Str("dataset_id", fs.DatasetID()).Msg("could not read manifestation size, skipping")
			continue
		}
		maxSize := size
		manifestations[fs.DatasetID()] = &types.Manifestation{
			Dataset: &types.Dataset{ID: fs.DatasetID(), MaximumSize: &maxSize},
			Primary: true,
		}
		paths[fs.DatasetID()] = fs.Path()
	}
	return manifestations, paths, nil
}

// ApplicationDeployer discovers local containers and computes the full
// phase plan: proxy/firewall reconfiguration, dataset migration, and
// container start/stop/restart, in the fixed 11-phase order the
// convergence planner requires.
type ApplicationDeployer struct {
	Hostname string
	Runtime  change.Runtime
	Network  change.Network
}

// DiscoverState lists container-runtime units and reconstructs
// Applications from them, using manifestations (already discovered by the
// ManifestationDeployer) to resolve mounted paths back to datasets. The
// reported used-ports set comes from Network.EnumerateUsedPorts, not from
// the containers' own port bindings: it feeds currentOpenPortsOf's
// comparison against desiredOpenPorts, so it has to reflect the firewall
// rules OpenPorts/DeleteOpenPort actually manage, not what a container
// happens to publish.
//
// If manifestations is nil (unknown), the caller must not invoke this
// method at all — it has no way to tell a managed mount from an unmanaged
// one and must instead report the whole application subsystem as unknown.
// See NodeDeployer.DiscoverState for where that branch lives.
func (a *ApplicationDeployer) DiscoverState(ctx context.Context, manifestations map[string]*types.Manifestation, paths map[string]string) ([]*types.Application, map[int]struct{}, []types.Proxy, error) {
	units, err := a.Runtime.List(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("application discovery: list: %w", err)
	}

	proxies, err := a.Network.EnumerateProxies(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("application discovery: enumerate proxies: %w", err)
	}

	usedPorts, err := a.Network.EnumerateUsedPorts(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("application discovery: enumerate used ports: %w", err)
	}

	pathToDatasetID := make(map[string]string, len(paths))
	for datasetID, path := range paths {
		pathToDatasetID[path] = datasetID
	}

	apps := make([]*types.Application, 0, len(units))
	for _, u := range units {
		links, userEnv := linkenv.Decode(u.Environment)

		var volume *types.AttachedVolume
		if u.Volume != nil {
			if datasetID, ok := pathToDatasetID[u.Volume.Mountpoint]; ok {
				volume = &types.AttachedVolume{
					Manifestation: manifestations[datasetID],
					Mountpoint:    u.Volume.Mountpoint,
				}
			}
			// Path isn't managed: volume stays nil. Not a failure.
		}

		apps = append(apps, &types.Application{
			Name:          u.Name,
			Image:         u.Image,
			Ports:         u.Ports,
			Volume:        volume,
			Links:         links,
			Environment:   userEnv,
			RestartPolicy: u.RestartPolicy,
			Running:       u.Running,
		})
	}
	return apps, usedPorts, proxies, nil
}

// CalculateChanges assembles the single sequential tree of parallel phases
// described in the convergence planner's fixed phase order. local is the
// freshly discovered NodeState for this host (with Applications and
// Manifestations both known — see NodeDeployer for the unknown-contagion
// branch that skips calling this at all). desired is the full cluster
// configuration; cluster is the full observed snapshot used by the dataset
// analyzer.
func (a *ApplicationDeployer) CalculateChanges(local *types.NodeState, desired *types.Deployment, cluster *types.DeploymentState, datasetChanges *types.DatasetChanges) change.Change {
	var phases []change.Change

	desiredNode := desired.NodeByHostname(a.Hostname)
	var desiredApps []*types.Application
	if desiredNode != nil {
		desiredApps = desiredNode.Applications
	}

	localApps, _ := local.Applications.Get()

	desiredProxies := computeDesiredProxies(desired, a.Hostname)
	desiredOpenPorts := computeDesiredOpenPorts(desiredApps)

	currentProxies, _ := currentProxiesOf(local)
	if !sameProxySet(currentProxies, desiredProxies) {
		phases = append(phases, change.SetProxies{Proxies: desiredProxies})
	}

	currentOpenPorts, _ := currentOpenPortsOf(local)
	if !sameOpenPortSet(currentOpenPorts, desiredOpenPorts) {
		phases = append(phases, change.OpenPorts{Ports: desiredOpenPorts})
	}

	if len(datasetChanges.Going) > 0 {
		var pushes []change.Change
		for _, g := range datasetChanges.Going {
			pushes = append(pushes, change.PushDataset{DatasetID: g.Dataset.ID, Hostname: g.Hostname})
		}
		phases = append(phases, change.Parallel{Changes: pushes})
	}

	if len(datasetChanges.Resizing) > 0 {
		var resizes []change.Change
		for _, d := range datasetChanges.Resizing {
			resizes = append(resizes, change.ResizeDataset{Dataset: d})
		}
		phases = append(phases, change.Parallel{Changes: resizes})
	}

	desiredNames := applicationNameSet(desiredApps)
	var stops []change.Change
	for _, app := range localApps {
		if _, wanted := desiredNames[app.Name]; !wanted {
			stops = append(stops, change.StopApplication{Application: app})
		}
	}
	if len(stops) > 0 {
		phases = append(phases, change.Parallel{Changes: stops})
	}

	if len(datasetChanges.Going) > 0 {
		var handoffs []change.Change
		for _, g := range datasetChanges.Going {
			handoffs = append(handoffs, change.HandoffDataset{DatasetID: g.Dataset.ID, Hostname: g.Hostname})
		}
		phases = append(phases, change.Parallel{Changes: handoffs})
	}

	if len(datasetChanges.Coming) > 0 {
		var waits []change.Change
		for _, c := range datasetChanges.Coming {
			waits = append(waits, change.WaitForDataset{DatasetID: c.Dataset.ID})
		}
		phases = append(phases, change.Parallel{Changes: waits})
	}

	if len(datasetChanges.Coming) > 0 {
		var resizes []change.Change
		for _, c := range datasetChanges.Coming {
			resizes = append(resizes, change.ResizeDataset{Dataset: c.Dataset})
		}
		phases = append(phases, change.Parallel{Changes: resizes})
	}

	if len(datasetChanges.Creating) > 0 {
		var creates []change.Change
		for _, d := range datasetChanges.Creating {
			creates = append(creates, change.CreateDataset{Dataset: d})
		}
		phases = append(phases, change.Parallel{Changes: creates})
	}

	if len(datasetChanges.Deleting) > 0 {
		var deletes []change.Change
		for _, d := range datasetChanges.Deleting {
			deletes = append(deletes, change.DeleteDataset{DatasetID: d.ID})
		}
		phases = append(phases, change.Parallel{Changes: deletes})
	}

	startRestart := a.startAndRestart(localApps, desiredApps)
	if len(startRestart) > 0 {
		phases = append(phases, change.Parallel{Changes: startRestart})
	}

	return change.Sequential{Changes: phases}
}

// startAndRestart computes the final combined phase: Start for applications
// desired locally but absent entirely, and Restart (sequential Stop+Start)
// for applications present but stopped, or present, running, and drifted
// from their desired spec by structural equality (after clearing
// volume.manifestation.dataset.metadata, which current state never
// carries).
func (a *ApplicationDeployer) startAndRestart(localApps, desiredApps []*types.Application) []change.Change {
	localByName := make(map[string]*types.Application, len(localApps))
	for _, app := range localApps {
		localByName[app.Name] = app
	}

	var out []change.Change
	for _, desiredApp := range desiredApps {
		current, present := localByName[desiredApp.Name]
		switch {
		case !present:
			out = append(out, change.StartApplication{Application: desiredApp, Hostname: a.Hostname})
		case !current.Running:
			out = append(out, change.Sequential{Changes: []change.Change{
				change.StopApplication{Application: current},
				change.StartApplication{Application: desiredApp, Hostname: a.Hostname},
			}})
		case !applicationsEqualIgnoringMetadata(current, desiredApp):
			out = append(out, change.Sequential{Changes: []change.Change{
				change.StopApplication{Application: current},
				change.StartApplication{Application: desiredApp, Hostname: a.Hostname},
			}})
		}
	}
	return out
}

// applicationsEqualIgnoringMetadata compares two applications for
// structural equality after normalising away fields that current state
// never carries (dataset metadata) and fields that are observational, not
// part of the desired spec (Running).
func applicationsEqualIgnoringMetadata(current, desired *types.Application) bool {
	normalize := func(app *types.Application) types.Application {
		cp := *app
		cp.Running = false
		if cp.Volume != nil && cp.Volume.Manifestation != nil && cp.Volume.Manifestation.Dataset != nil {
			volCopy := *cp.Volume
			manCopy := *volCopy.Manifestation
			dsCopy := *manCopy.Dataset
			dsCopy.Metadata = nil
			manCopy.Dataset = &dsCopy
			volCopy.Manifestation = &manCopy
			cp.Volume = &volCopy
		}
		cp.Environment = app.SortedEnvironment()
		return cp
	}
	a := normalize(current)
	b := normalize(desired)
	return applicationValueEqual(&a, &b)
}

func applicationValueEqual(a, b *types.Application) bool {
	if a.Name != b.Name || a.Image != b.Image || a.RestartPolicy != b.RestartPolicy {
		return false
	}
	if !portsEqual(a.Ports, b.Ports) {
		return false
	}
	if !linksEqual(a.Links, b.Links) {
		return false
	}
	if !envEqual(a.Environment, b.Environment) {
		return false
	}
	if !limitsEqual(a.MemoryLimit, b.MemoryLimit) || !limitsEqual(a.CPUShares, b.CPUShares) {
		return false
	}
	return volumesEqual(a.Volume, b.Volume)
}

func portsEqual(a, b []types.Port) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func linksEqual(a, b []types.Link) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := append([]types.Link(nil), a...), append([]types.Link(nil), b...)
	sort.Slice(sa, func(i, j int) bool { return sa[i].Alias < sa[j].Alias })
	sort.Slice(sb, func(i, j int) bool { return sb[i].Alias < sb[j].Alias })
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

func envEqual(a, b []types.EnvVar) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func limitsEqual(a, b *uint64) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func volumesEqual(a, b *types.AttachedVolume) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Mountpoint != b.Mountpoint {
		return false
	}
	if a.Manifestation == nil || b.Manifestation == nil {
		return a.Manifestation == b.Manifestation
	}
	if a.Manifestation.Primary != b.Manifestation.Primary {
		return false
	}
	return a.Manifestation.Dataset.ID == b.Manifestation.Dataset.ID &&
		a.Manifestation.Dataset.SameMaximumSize(b.Manifestation.Dataset)
}

func applicationNameSet(apps []*types.Application) map[string]struct{} {
	out := make(map[string]struct{}, len(apps))
	for _, a := range apps {
		out[a.Name] = struct{}{}
	}
	return out
}

// computeDesiredProxies builds one proxy per external port of every
// application desired on a remote node, pointed at that node's hostname.
// Hostname resolution is verbatim — DNS resolution of peer hostnames is an
// explicit open question left to the operator (see SPEC_FULL.md §9).
func computeDesiredProxies(desired *types.Deployment, localHostname string) []types.Proxy {
	var proxies []types.Proxy
	for _, node := range desired.Nodes {
		if node.Hostname == localHostname {
			continue
		}
		for _, app := range node.Applications {
			for _, p := range app.Ports {
				proxies = append(proxies, types.Proxy{RemoteIP: node.Hostname, ExternalPort: p.External})
			}
		}
	}
	return proxies
}

// computeDesiredOpenPorts collects the external ports of every application
// desired on this node.
func computeDesiredOpenPorts(desiredApps []*types.Application) []types.OpenPort {
	var ports []types.OpenPort
	for _, app := range desiredApps {
		for _, p := range app.Ports {
			ports = append(ports, types.OpenPort{External: p.External})
		}
	}
	return ports
}

// currentProxiesOf reads the proxies ApplicationDeployer.DiscoverState
// observed via Network.EnumerateProxies. If unknown (discovery never ran,
// or failed), the caller treats "no observation yet" as an empty set: it is
// safer to attempt SetProxies again than to skip proxy reconfiguration
// entirely on a cold start.
func currentProxiesOf(local *types.NodeState) ([]types.Proxy, bool) {
	proxies, ok := local.Proxies.Get()
	if !ok {
		return nil, false
	}
	return proxies, true
}

func currentOpenPortsOf(local *types.NodeState) ([]types.OpenPort, bool) {
	usedPorts, ok := local.UsedPorts.Get()
	if !ok {
		return nil, false
	}
	ports := make([]types.OpenPort, 0, len(usedPorts))
	for p := range usedPorts {
		ports = append(ports, types.OpenPort{External: p})
	}
	return ports, true
}

func sameProxySet(a, b []types.Proxy) bool {
	if len(a) != len(b) {
		return false
	}
	less := func(s []types.Proxy) func(i, j int) bool {
		return func(i, j int) bool {
			if s[i].RemoteIP != s[j].RemoteIP {
				return s[i].RemoteIP < s[j].RemoteIP
			}
			return s[i].ExternalPort < s[j].ExternalPort
		}
	}
	sa, sb := append([]types.Proxy(nil), a...), append([]types.Proxy(nil), b...)
	sort.Slice(sa, less(sa))
	sort.Slice(sb, less(sb))
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

func sameOpenPortSet(a, b []types.OpenPort) bool {
	if len(a) != len(b) {
		return false
	}
	ma := make(map[types.OpenPort]int, len(a))
	for _, p := range a {
		ma[p]++
	}
	for _, p := range b {
		ma[p]--
	}
	for _, count := range ma {
		if count != 0 {
			return false
		}
	}
	return true
}

// metricsObserveDatasetChanges is a small helper kept alongside the
// deployer (rather than duplicated at every call site) so the driver can
// record dataset-change counts with one call right after the analyzer
// runs.
func metricsObserveDatasetChanges(c *types.DatasetChanges) {
	metrics.DatasetChangesTotal.WithLabelValues("creating").Add(float64(len(c.Creating)))
	metrics.DatasetChangesTotal.WithLabelValues("resizing").Add(float64(len(c.Resizing)))
	metrics.DatasetChangesTotal.WithLabelValues("coming").Add(float64(len(c.Coming)))
	metrics.DatasetChangesTotal.WithLabelValues("going").Add(float64(len(c.Going)))
	metrics.DatasetChangesTotal.WithLabelValues("deleting").Add(float64(len(c.Deleting)))
}

// ObserveDatasetChanges exports metricsObserveDatasetChanges for pkg/driver.
func ObserveDatasetChanges(c *types.DatasetChanges) { metricsObserveDatasetChanges(c) }
