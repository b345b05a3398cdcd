/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 Nopea

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gitexec

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/nopea-io/gitops-reconciler/api/v1alpha1"
	"github.com/nopea-io/gitops-reconciler/internal/ssh"
)

// SecretAuth resolves the transport auth method for one repository's
// SecretRef. A repository with no SecretRef gets nil auth (anonymous
// access).
func SecretAuth(ctx context.Context, k8sClient client.Client, namespace string, secretRef *v1alpha1.LocalObjectReference) (transport.AuthMethod, error) {
	if secretRef == nil {
		return nil, nil //nolint:nilnil // nil auth is the correct value for public repos
	}

	secretName := types.NamespacedName{Name: secretRef.Name, Namespace: namespace}
	var secret corev1.Secret
	if err := k8sClient.Get(ctx, secretName, &secret); err != nil {
		return nil, fmt.Errorf("get secret %s: %w", secretName, err)
	}

	if privateKey, ok := secret.Data["ssh-privatekey"]; ok {
		password := string(secret.Data["ssh-password"])
		knownHosts := string(secret.Data["known_hosts"])
		return ssh.GetAuthMethod(string(privateKey), password, knownHosts)
	}

	if username, ok := secret.Data["username"]; ok {
		password, ok := secret.Data["password"]
		if !ok {
			return nil, fmt.Errorf("secret %s has username but no password", secretName)
		}
		return &githttp.BasicAuth{Username: string(username), Password: string(password)}, nil
	}

	return nil, fmt.Errorf("secret %s has neither ssh-privatekey nor username/password", secretName)
}
