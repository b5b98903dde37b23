//go:build integration
// +build integration

package integration

import (
	"net/url"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/ctron/bommer/internal/api"
	"github.com/ctron/bommer/internal/types"
)

func makePod(namespace, name, rv, image string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace:       namespace,
			Name:            name,
			ResourceVersion: rv,
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{Name: "main", Image: image}},
		},
	}
}

func purlFor(spec string) string {
	img, err := types.ParseImageRef(spec, "")
	if err != nil {
		panic(err)
	}
	return img.Purl()
}

func stateTarget(image string) string {
	return "/api/v1/images/state?image=" + url.QueryEscape(image)
}

func (s *PipelineSuite) imageState(image string) (types.ImageStatus, bool) {
	var status types.ImageStatus
	code := s.get(stateTarget(image), &status)
	return status, code == 200
}

func (s *PipelineSuite) TestPodAddResolvesImage() {
	const image = "registry.example.com/app:1.0"
	s.store.put(purlFor(image), `{"bomFormat":"CycloneDX","components":[]}`)

	s.fakeWatcher.Add(makePod("default", "web-1", "1", image))

	s.eventually(func() bool {
		status, ok := s.imageState(image)
		return ok && status.State == types.StateResolved
	}, "image never resolved")

	status, ok := s.imageState(image)
	s.Require().True(ok)
	s.Require().NotNil(status.SBOM)
	s.JSONEq(`{"bomFormat":"CycloneDX","components":[]}`, string(status.SBOM.Data))
	s.Require().Len(status.Workloads, 1)
	s.Equal("web-1", status.Workloads[0].Name)
	s.NotNil(status.LastResolved)
}

func (s *PipelineSuite) TestUnknownSbomEndsMissing() {
	const image = "registry.example.com/unscanned:1.0"

	s.fakeWatcher.Add(makePod("default", "web-1", "1", image))

	s.eventually(func() bool {
		status, ok := s.imageState(image)
		return ok && status.State == types.StateMissing
	}, "image never reached Missing")
}

func (s *PipelineSuite) TestImageRollover() {
	const (
		oldImage = "registry.example.com/app:1.0"
		newImage = "registry.example.com/app:2.0"
	)
	s.store.put(purlFor(oldImage), `{"v":1}`)
	s.store.put(purlFor(newImage), `{"v":2}`)

	s.fakeWatcher.Add(makePod("default", "web-1", "1", oldImage))
	s.eventually(func() bool {
		status, ok := s.imageState(oldImage)
		return ok && status.State == types.StateResolved
	}, "old image never resolved")

	s.fakeWatcher.Modify(makePod("default", "web-1", "2", newImage))

	s.eventually(func() bool {
		status, ok := s.imageState(newImage)
		return ok && status.State == types.StateResolved
	}, "new image never resolved")

	// The old image is dereferenced but still visible during its grace window.
	status, ok := s.imageState(oldImage)
	s.Require().True(ok)
	s.Empty(status.Workloads)
}

func (s *PipelineSuite) TestSharedImageSingleFetch() {
	const image = "registry.example.com/shared:1.0"
	s.store.put(purlFor(image), `{}`)

	for _, name := range []string{"web-1", "web-2", "web-3"} {
		s.fakeWatcher.Add(makePod("default", name, "1", image))
	}

	s.eventually(func() bool {
		status, ok := s.imageState(image)
		return ok && status.State == types.StateResolved && len(status.Workloads) == 3
	}, "shared image never resolved for all workloads")

	s.store.mu.Lock()
	calls := s.store.calls
	s.store.mu.Unlock()
	s.Equal(1, calls, "expected one upstream fetch for a shared image")
}

func (s *PipelineSuite) TestPodDeleteReleasesImage() {
	const image = "registry.example.com/app:1.0"
	s.store.put(purlFor(image), `{}`)

	s.fakeWatcher.Add(makePod("default", "web-1", "1", image))
	s.eventually(func() bool {
		status, ok := s.imageState(image)
		return ok && status.State == types.StateResolved
	}, "image never resolved")

	s.fakeWatcher.Delete(makePod("default", "web-1", "2", image))

	s.eventually(func() bool {
		code := s.get("/api/v1/workloads/state?namespace=default&name=web-1", nil)
		return code == 404
	}, "workload was not removed")
}

func (s *PipelineSuite) TestWatchReconnectRepairsState() {
	const image = "registry.example.com/app:1.0"
	s.store.put(purlFor(image), `{}`)

	s.fakeWatcher.Add(makePod("default", "web-1", "1", image))
	s.eventually(func() bool {
		_, ok := s.imageState(image)
		return ok
	}, "image never tracked")

	// A server-side watch close forces a relist; with no pods listed the
	// resync implicitly deletes everything tracked so far.
	s.fakeWatcher.Stop()

	s.eventually(func() bool {
		var resp api.WorkloadsResponse
		s.get("/api/v1/workloads", &resp)
		return len(resp.Workloads) == 0
	}, "resync did not repair state")
}

func (s *PipelineSuite) TestStatusCounts() {
	const resolved = "registry.example.com/app:1.0"
	const missing = "registry.example.com/unscanned:1.0"
	s.store.put(purlFor(resolved), `{}`)

	s.fakeWatcher.Add(makePod("default", "web-1", "1", resolved))
	s.fakeWatcher.Add(makePod("default", "web-2", "1", missing))

	s.eventually(func() bool {
		var resp api.StatusResponse
		s.get("/api/v1/status", &resp)
		return resp.Workloads == 2 && resp.Resolved == 1 && resp.Missing == 1
	}, "status counts never converged")
}
