package main

import (
	"testing"

	"github.com/coreswarm/swarmd/internal/rpc/rpctypes"
)

func TestBuildRequestList(t *testing.T) {
	req, err := buildRequest("list", rpctypes.ResourceTorrent, "", -1, -1)
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	if req.Query == nil || req.Update != nil {
		t.Fatal("expected a query-only request")
	}
	if req.Query.Type != rpctypes.ResourceTorrent {
		t.Fatalf("expected torrent resource type, got %q", req.Query.Type)
	}
}

func TestBuildRequestThrottleRequiresID(t *testing.T) {
	if _, err := buildRequest("throttle", rpctypes.ResourceTorrent, "", 100, -1); err == nil {
		t.Fatal("expected an error when -id is missing")
	}
}

func TestBuildRequestThrottleSetsOnlyProvidedFields(t *testing.T) {
	req, err := buildRequest("throttle", rpctypes.ResourceTorrent, "abc", 100, -1)
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	if req.Update == nil || req.Query != nil {
		t.Fatal("expected an update-only request")
	}
	if req.Update.ID != "abc" {
		t.Fatalf("expected id abc, got %q", req.Update.ID)
	}
	if req.Update.ThrottleUp == nil || *req.Update.ThrottleUp != 100 {
		t.Fatal("expected ThrottleUp to be set to 100")
	}
	if req.Update.ThrottleDown != nil {
		t.Fatal("expected ThrottleDown to stay unset")
	}
}

func TestBuildRequestUnknownCommand(t *testing.T) {
	if _, err := buildRequest("bogus", rpctypes.ResourceTorrent, "", -1, -1); err == nil {
		t.Fatal("expected an error for an unknown command")
	}
}
